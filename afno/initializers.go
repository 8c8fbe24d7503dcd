// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// InitStdDev is the standard deviation of the truncated normal used to initialize weights.
	InitStdDev = 0.02

	// FlowHeadInitScale further scales the initial flow head weights, so the network starts
	// close to an identity warp.
	FlowHeadInitScale = 1e-3

	// truncation of the normal distribution, in absolute values.
	truncationLimit = 2.0
)

// TruncatedNormalInitializer returns an initializer that samples a normal distribution with the given
// standard deviation, truncated to [-2, 2], and multiplies the result by gain.
//
// Non-float variables are initialized to zero.
func TruncatedNormalInitializer(ctx *context.Context, stddev, gain float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			return Zeros(g, shape)
		}
		values := MulScalar(ctx.RandomNormal(g, shape), stddev)
		values = ClipScalar(values, -truncationLimit, truncationLimit)
		return MulScalar(values, gain)
	}
}

// UniformInitializer returns an initializer that samples uniformly from [-limit, limit).
func UniformInitializer(ctx *context.Context, limit float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			return Zeros(g, shape)
		}
		values := ctx.RandomUniform(g, shape)
		return AddScalar(MulScalar(values, 2*limit), -limit)
	}
}

// fanInLimit is the bound of the conventional uniform initialization of convolution biases.
func fanInLimit(fanIn int) float64 {
	return 1.0 / math.Sqrt(float64(fanIn))
}
