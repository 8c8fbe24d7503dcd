// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// RealFFT2D computes the orthonormal 2D FFT of a real x shaped [batch, height, width, channels],
// over the height and width axes.
//
// It returns a complex tensor shaped [batch, height, width/2+1, channels].
func RealFFT2D(x *Node) *Node {
	if x.Rank() != 4 || !x.DType().IsFloat() {
		exceptions.Panicf("RealFFT2D requires a float input shaped [batch, height, width, channels], got %s", x.Shape())
	}
	height, width := x.Shape().Dimensions[1], x.Shape().Dimensions[2]

	// FFTs operate on the last axis: first the real FFT over width, then the complex one over height.
	freq := TransposeAllAxes(x, 0, 1, 3, 2)   // [B, H, C, W]
	freq = RealFFT(freq)                      // [B, H, C, W/2+1]
	freq = TransposeAllAxes(freq, 0, 3, 2, 1) // [B, W/2+1, C, H]
	freq = FFT(freq)
	freq = TransposeAllAxes(freq, 0, 3, 1, 2) // [B, H, W/2+1, C]
	return MulScalar(freq, 1.0/math.Sqrt(float64(height*width)))
}

// InverseRealFFT2D reverses RealFFT2D: x is complex shaped [batch, height, width/2+1, channels],
// and the real output is shaped [batch, height, width, channels].
//
// width must be even.
func InverseRealFFT2D(x *Node, width int) *Node {
	if x.Rank() != 4 || !x.DType().IsComplex() {
		exceptions.Panicf("InverseRealFFT2D requires a complex input shaped [batch, height, width/2+1, channels], got %s",
			x.Shape())
	}
	height, widthModes := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	if width%2 != 0 || width/2+1 != widthModes {
		exceptions.Panicf("InverseRealFFT2D: width %d must be even and match the %d frequency modes of %s",
			width, widthModes, x.Shape())
	}

	// The backend's inverse transforms are normalized by 1/n, orthonormal scaling is sqrt(n).
	spatial := TransposeAllAxes(x, 0, 2, 3, 1) // [B, W/2+1, C, H]
	spatial = InverseFFT(spatial)
	spatial = TransposeAllAxes(spatial, 0, 3, 2, 1) // [B, H, C, W/2+1]
	spatial = InverseRealFFT(spatial)               // [B, H, C, W]
	spatial = TransposeAllAxes(spatial, 0, 1, 3, 2) // [B, H, W, C]
	return MulScalar(spatial, math.Sqrt(float64(height*width)))
}

// SoftShrink returns x-lambda where x > lambda, x+lambda where x < -lambda and 0 otherwise.
func SoftShrink(x *Node, lambda float64) *Node {
	if lambda == 0 {
		return x
	}
	return Mul(Sign(x), MaxScalar(AddScalar(Abs(x), -lambda), 0))
}

// KeptModes returns the number of frequency modes kept by the spectral filter for a patch grid of the given height.
func KeptModes(height int, fraction float64) int {
	totalModes := height/2 + 1
	return int(float64(totalModes) * fraction)
}

// ModeWindow returns the ranges of frequency rows [rowStart, rowEnd) and columns [0, colEnd) processed
// by the spectral filter, for a patch grid of the given height and widthModes = width/2+1.
//
// The row window is centered at height/2+1, and both are clipped to the available modes.
func ModeWindow(height, widthModes int, fraction float64) (rowStart, rowEnd, colEnd int) {
	totalModes := height/2 + 1
	kept := KeptModes(height, fraction)
	rowStart = max(totalModes-kept, 0)
	rowEnd = min(totalModes+kept, height)
	colEnd = min(kept, widthModes)
	return
}

// modeMask returns a constant float32 mask shaped [1, height, widthModes, 1, 1], set to 1 for the frequency
// modes processed by the spectral filter.
func modeMask(g *Graph, height, widthModes int, fraction float64) *Node {
	rowStart, rowEnd, colEnd := ModeWindow(height, widthModes, fraction)
	mask := make([]float32, height*widthModes)
	for row := rowStart; row < rowEnd; row++ {
		for col := range colEnd {
			mask[row*widthModes+col] = 1
		}
	}
	return Reshape(Const(g, mask), 1, height, widthModes, 1, 1)
}

// asFloat32 converts x to float32, if not already, so spectral computations don't run in half precision.
func asFloat32(x *Node) *Node {
	if x.DType() == dtypes.Float32 {
		return x
	}
	return ConvertDType(x, dtypes.Float32)
}
