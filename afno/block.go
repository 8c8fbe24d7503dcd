// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// MLP applies fc2(gelu(fc1(x))) on the last axis of x, with hidden dimension hiddenDim.
// The output has the same dimension as the input.
func MLP(ctx *context.Context, x *Node, hiddenDim int, gain float64) *Node {
	outputDim := x.Shape().Dimensions[x.Rank()-1]
	x = Linear(ctx.In("fc1"), x, hiddenDim, true, gain)
	x = activations.Gelu(x)
	return Linear(ctx.In("fc2"), x, outputDim, true, gain)
}

// Block is one AFNO layer applied to the tokens x, shaped [batch, height, width, embedDim]:
//
//	residual = x
//	x = filter(x)
//	if double_skip: x = x + residual*layerScale; residual = x
//	x = mlp(norm1(x))
//	x = x + residual*layerScale
//	if !isLast: x = norm2(x)
//
// dropPath is the probability of dropping the MLP branch during training.
func Block(ctx *context.Context, x *Node, cfg Config, dropPath float64, isLast bool) *Node {
	layerScale := cfg.LayerScale()
	residual := x
	x = SpectralFilter(ctx.In("filter"), x, cfg)
	if cfg.DoubleSkip {
		x = Add(x, MulScalar(residual, layerScale))
		residual = x
	}

	x = LayerNorm(ctx.In("norm1"), x, cfg.NormEpsilon)
	x = MLP(ctx.In("mlp"), x, cfg.MLPHiddenDim(), cfg.InitGain())
	x = DropPath(ctx, x, dropPath)
	x = Add(x, MulScalar(residual, layerScale))

	if !isLast {
		x = LayerNorm(ctx.In("norm2"), x, cfg.NormEpsilon)
	}
	return x
}

// Blocks applies cfg.Depth blocks, each in its own scope "block_###". Only the last one has no final normalization.
func Blocks(ctx *context.Context, x *Node, cfg Config) *Node {
	dropPaths := cfg.DropPathRates()
	for ii := range cfg.Depth {
		x = Block(ctx.Inf("block_%03d", ii), x, cfg, dropPaths[ii], ii == cfg.Depth-1)
	}
	return x
}
