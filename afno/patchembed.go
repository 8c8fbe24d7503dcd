// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// PatchEmbed splits the images x, shaped [batch, inChans, height, width], into non-overlapping patches and
// projects each one to cfg.EmbedDim with a strided convolution.
//
// It returns the tokens shaped [batch, numPatches, embedDim], in row-major patch order.
//
// Variables in scope "proj": "weights" shaped [embedDim, inChans, patchHeight, patchWidth] and "biases" shaped [embedDim].
func PatchEmbed(ctx *context.Context, x *Node, cfg Config) *Node {
	g := x.Graph()
	if x.Rank() != 4 || x.Shape().Dimensions[1] != cfg.InChans {
		exceptions.Panicf("PatchEmbed requires images shaped [batch, %d, height, width], got %s", cfg.InChans, x.Shape())
	}
	batchSize, inChans, height, width := x.Shape().Dimensions[0], x.Shape().Dimensions[1],
		x.Shape().Dimensions[2], x.Shape().Dimensions[3]
	if height != cfg.ImgHeight || width != cfg.ImgWidth {
		exceptions.Panicf("Input image size (%d*%d) doesn't match model (%d*%d).", height, width, cfg.ImgHeight, cfg.ImgWidth)
	}

	ctx = ctx.In("proj")
	dtype := x.DType()
	kernelVar := ctx.WithInitializer(TruncatedNormalInitializer(ctx, InitStdDev, cfg.InitGain())).
		VariableWithShape("weights", shapes.Make(dtype, cfg.EmbedDim, inChans, cfg.PatchHeight, cfg.PatchWidth))
	biasVar := ctx.WithInitializer(UniformInitializer(ctx, fanInLimit(inChans*cfg.PatchHeight*cfg.PatchWidth))).
		VariableWithShape("biases", shapes.Make(dtype, cfg.EmbedDim))

	output := Convolve(x, kernelVar.ValueGraph(g)).
		StridePerAxis(cfg.PatchHeight, cfg.PatchWidth).
		ChannelsAxis(images.ChannelsFirst).
		NoPadding().
		Done() // [batch, embedDim, gridHeight, gridWidth]
	output = Add(output, Reshape(biasVar.ValueGraph(g), 1, cfg.EmbedDim, 1, 1))
	output = TransposeAllAxes(output, 0, 2, 3, 1)
	return Reshape(output, batchSize, cfg.NumPatches(), cfg.EmbedDim)
}
