// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// SpectralFilter is the AFNO token mixer: x, shaped [batch, height, width, hiddenSize], is transformed
// to the frequency domain over (height, width), each frequency mode is processed by a block-diagonal
// complex 2-layer MLP, soft-shrunk, and transformed back. The input is added back as a residual.
//
// Only the frequency modes selected by ModeWindow are processed, all others are zeroed.
//
// Variables (all shaped with a leading axis of 2, for the real and imaginary parts):
//
//   - "w1": [2, numBlocks, blockSize, blockSize*hiddenSizeFactor]
//   - "b1": [2, numBlocks, blockSize*hiddenSizeFactor]
//   - "w2": [2, numBlocks, blockSize*hiddenSizeFactor, blockSize]
//   - "b2": [2, numBlocks, blockSize]
//
// The computation is done in float32, and converted back to x's dtype.
func SpectralFilter(ctx *context.Context, x *Node, cfg Config) *Node {
	g := x.Graph()
	if x.Rank() != 4 {
		exceptions.Panicf("SpectralFilter requires x shaped [batch, height, width, hiddenSize], got %s", x.Shape())
	}
	batchSize, height, width, hiddenSize := x.Shape().Dimensions[0], x.Shape().Dimensions[1],
		x.Shape().Dimensions[2], x.Shape().Dimensions[3]
	numBlocks := cfg.NumBlocks
	if numBlocks <= 0 || hiddenSize%numBlocks != 0 {
		exceptions.Panicf("hidden_size %d should be divisible by num_blocks %d", hiddenSize, numBlocks)
	}
	blockSize := hiddenSize / numBlocks
	blockHidden := blockSize * max(cfg.HiddenSizeFactor, 1)
	widthModes := width/2 + 1

	// Parameters.
	ctxInit := ctx.WithInitializer(TruncatedNormalInitializer(ctx, InitStdDev, 1))
	w1 := ctxInit.VariableWithShape("w1", shapes.Make(dtypes.Float32, 2, numBlocks, blockSize, blockHidden)).ValueGraph(g)
	b1 := ctxInit.VariableWithShape("b1", shapes.Make(dtypes.Float32, 2, numBlocks, blockHidden)).ValueGraph(g)
	w2 := ctxInit.VariableWithShape("w2", shapes.Make(dtypes.Float32, 2, numBlocks, blockHidden, blockSize)).ValueGraph(g)
	b2 := ctxInit.VariableWithShape("b2", shapes.Make(dtypes.Float32, 2, numBlocks, blockSize)).ValueGraph(g)
	w1Real, w1Imag := complexPart(w1, 0), complexPart(w1, 1)
	w2Real, w2Imag := complexPart(w2, 0), complexPart(w2, 1)
	b1Real, b1Imag := biasPart(b1, 0), biasPart(b1, 1)
	b2Real, b2Imag := biasPart(b2, 0), biasPart(b2, 1)

	residual := x
	freq := RealFFT2D(asFloat32(x))
	freq = Reshape(freq, batchSize, height, widthModes, numBlocks, blockSize)
	xReal, xImag := Real(freq), Imag(freq)

	// First layer, with ReLU on each part.
	o1Real := activations.Relu(Add(Sub(blockMatMul(xReal, w1Real), blockMatMul(xImag, w1Imag)), b1Real))
	o1Imag := activations.Relu(Add(Add(blockMatMul(xImag, w1Real), blockMatMul(xReal, w1Imag)), b1Imag))

	// Second layer.
	o2Real := Add(Sub(blockMatMul(o1Real, w2Real), blockMatMul(o1Imag, w2Imag)), b2Real)
	o2Imag := Add(Add(blockMatMul(o1Imag, w2Real), blockMatMul(o1Real, w2Imag)), b2Imag)

	// Modes are independent, so masking the output is the same as only computing the kept modes.
	mask := modeMask(g, height, widthModes, cfg.HardThresholdingFraction)
	o2Real = SoftShrink(Mul(o2Real, mask), cfg.SparsityThreshold)
	o2Imag = SoftShrink(Mul(o2Imag, mask), cfg.SparsityThreshold)

	freq = Reshape(Complex(o2Real, o2Imag), batchSize, height, widthModes, hiddenSize)
	output := InverseRealFFT2D(freq, width)
	if output.DType() != residual.DType() {
		output = ConvertDType(output, residual.DType())
	}
	return Add(output, residual)
}

// blockMatMul multiplies each block of x, shaped [..., numBlocks, blockIn], by its matrix in w,
// shaped [numBlocks, blockIn, blockOut].
func blockMatMul(x, w *Node) *Node {
	return Einsum("xyzbi,bio->xyzbo", x, w)
}

// complexPart returns w[part], where part is 0 for the real part and 1 for the imaginary part.
func complexPart(w *Node, part int) *Node {
	dims := w.Shape().Dimensions[1:]
	return Reshape(Slice(w, AxisElem(part)), dims...)
}

// biasPart returns b[part] reshaped to broadcast over [batch, height, widthModes, numBlocks, blockDim].
func biasPart(b *Node, part int) *Node {
	dims := b.Shape().Dimensions
	return Reshape(Slice(b, AxisElem(part)), 1, 1, 1, dims[1], dims[2])
}
