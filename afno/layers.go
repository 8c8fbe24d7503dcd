// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

// Linear applies a learned linear transformation to the last axis of x, with nn.Dense.
//
// The "weights" variable, shaped [inputDim, outputDim], is initialized with a truncated normal
// (std InitStdDev) scaled by gain. The optional "biases" start at zero.
func Linear(ctx *context.Context, x *Node, outputDim int, useBias bool, gain float64) *Node {
	g := x.Graph()
	shape := x.Shape()
	if shape.Rank() < 2 {
		exceptions.Panicf("Linear requires an input of rank >= 2 (batch and features axes), got %s", shape)
	}
	inputDim := shape.Dimensions[shape.Rank()-1]
	weightsVar := ctx.WithInitializer(TruncatedNormalInitializer(ctx, InitStdDev, gain)).
		VariableWithShape("weights", shapes.Make(shape.DType, inputDim, outputDim))
	var biases *Node
	if useBias {
		biasesVar := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(shape.DType, outputDim))
		biases = biasesVar.ValueGraph(g)
	}
	return nn.Dense(x, weightsVar.ValueGraph(g), biases)
}

// LayerNorm normalizes the last axis of x, with learned gain (initialized to 1) and offset (initialized to 0).
func LayerNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	return layers.LayerNormalization(ctx, x, x.Rank()-1).Epsilon(epsilon).Done()
}

// DropPath randomly zeroes the whole residual branch x of an example with probability dropRate, and
// scales the kept examples by 1/(1-dropRate).
//
// It is only active when the graph is built for training; otherwise, or if dropRate is 0, x is returned unchanged.
func DropPath(ctx *context.Context, x *Node, dropRate float64) *Node {
	g := x.Graph()
	if dropRate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	dropped := layers.DropPath(ctx, x, Scalar(g, x.DType(), dropRate))
	return DivScalar(dropped, 1-dropRate)
}
