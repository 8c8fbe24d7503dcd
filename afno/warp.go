// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// CoordinateGrid returns the normalized pixel coordinates of a height x width image, shaped [height, width, 2].
//
// The last axis holds (x, y), with x = 2*col/(width-1) - 1 and y = 2*row/(height-1) - 1, so the corners
// of the image are at -1 and 1.
func CoordinateGrid(g *Graph, dtype dtypes.DType, height, width int) *Node {
	if height <= 1 || width <= 1 {
		exceptions.Panicf("CoordinateGrid requires height and width > 1, got (%d, %d)", height, width)
	}
	shape := shapes.Make(dtype, height, width)
	xs := AddScalar(MulScalar(Iota(g, shape, 1), 2.0/float64(width-1)), -1)
	ys := AddScalar(MulScalar(Iota(g, shape, 0), 2.0/float64(height-1)), -1)
	return Stack([]*Node{xs, ys}, 2)
}

// GridSample samples the frames, shaped [n, inHeight, inWidth], at the normalized coordinates coords,
// shaped [n, outHeight, outWidth, 2] with (x, y) in the last axis, using bilinear interpolation.
//
// Coordinates are "aligned to the corners": -1 and 1 are the centers of the first and last pixels.
// Samples outside the frame are zero.
//
// It returns the sampled values shaped [n, outHeight, outWidth].
func GridSample(frames, coords *Node) *Node {
	g := frames.Graph()
	if frames.Rank() != 3 || coords.Rank() != 4 || coords.Shape().Dimensions[3] != 2 ||
		coords.Shape().Dimensions[0] != frames.Shape().Dimensions[0] {
		exceptions.Panicf("GridSample requires frames shaped [n, height, width] and coords shaped [n, height, width, 2], "+
			"got frames=%s, coords=%s", frames.Shape(), coords.Shape())
	}
	dtype := frames.DType()
	numFrames, inHeight, inWidth := frames.Shape().Dimensions[0], frames.Shape().Dimensions[1], frames.Shape().Dimensions[2]
	outHeight, outWidth := coords.Shape().Dimensions[1], coords.Shape().Dimensions[2]
	if coords.DType() != dtype {
		coords = ConvertDType(coords, dtype)
	}

	// Pixel positions.
	xs := Reshape(Slice(coords, AxisRange(), AxisRange(), AxisRange(), AxisElem(0)), numFrames, outHeight, outWidth)
	ys := Reshape(Slice(coords, AxisRange(), AxisRange(), AxisRange(), AxisElem(1)), numFrames, outHeight, outWidth)
	xs = MulScalar(AddScalar(xs, 1), float64(inWidth-1)/2)
	ys = MulScalar(AddScalar(ys, 1), float64(inHeight-1)/2)

	x0, y0 := StopGradient(Floor(xs)), StopGradient(Floor(ys))
	x1, y1 := AddScalar(x0, 1), AddScalar(y0, 1)
	wx1, wy1 := Sub(xs, x0), Sub(ys, y0)
	wx0, wy0 := OneMinus(wx1), OneMinus(wy1)

	frameIdx := Iota(g, shapes.Make(dtypes.Int32, numFrames, outHeight, outWidth), 0)
	corner := func(cx, cy, weight *Node) *Node {
		clippedX := ClipScalar(cx, 0, float64(inWidth-1))
		clippedY := ClipScalar(cy, 0, float64(inHeight-1))
		inside := Mul(
			ConvertDType(Equal(clippedX, cx), dtype),
			ConvertDType(Equal(clippedY, cy), dtype))
		indices := Stack([]*Node{
			frameIdx,
			ConvertDType(clippedY, dtypes.Int32),
			ConvertDType(clippedX, dtypes.Int32),
		}, 3)
		values := Gather(frames, indices)
		return Mul(values, Mul(weight, inside))
	}
	output := corner(x0, y0, Mul(wx0, wy0))
	output = Add(output, corner(x1, y0, Mul(wx1, wy0)))
	output = Add(output, corner(x0, y1, Mul(wx0, wy1)))
	output = Add(output, corner(x1, y1, Mul(wx1, wy1)))
	return output
}

// Warp moves the frames, shaped [batch, channels, height, width], by the flow, shaped
// [batch, channels, height, width, 2] in normalized (x, y) coordinates (see CoordinateGrid).
// Each output pixel takes the bilinear sample of its frame at grid + flow.
func Warp(frames, flow *Node) *Node {
	g := frames.Graph()
	if frames.Rank() != 4 || flow.Rank() != 5 {
		exceptions.Panicf("Warp requires frames shaped [batch, channels, height, width] and flow shaped "+
			"[batch, channels, height, width, 2], got frames=%s, flow=%s", frames.Shape(), flow.Shape())
	}
	batchSize, channels, height, width := frames.Shape().Dimensions[0], frames.Shape().Dimensions[1],
		frames.Shape().Dimensions[2], frames.Shape().Dimensions[3]
	grid := Reshape(CoordinateGrid(g, frames.DType(), height, width), 1, height, width, 2)
	coords := Add(grid, Reshape(flow, batchSize*channels, height, width, 2))
	warped := GridSample(Reshape(frames, batchSize*channels, height, width), coords)
	return Reshape(warped, batchSize, channels, height, width)
}
