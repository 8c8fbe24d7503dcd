// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinear(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.In("linear").VariableWithValue("weights", [][]float32{{1, 0, 2}, {0, 1, -1}})
	ctx.In("linear").VariableWithValue("biases", []float32{0.5, 0, 1})
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Linear(ctx.Reuse().In("linear"), x, 3, true, 1)
	}, [][][]float32{{{1, 2}}, {{3, 4}}})
	require.Equal(t, [][][]float32{{{1.5, 2, 1}}, {{3.5, 4, 3}}}, output.Value())

	// Biases start at zero, weights with a gain-scaled truncated normal.
	ctx = context.New()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return Linear(ctx.In("linear"), Ones(g, shapes.Make(dtypes.Float32, 2, 64)), 32, true, 1e-3)
	})
	biases := tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName("/linear", "biases").MustValue())
	require.Len(t, biases, 32)
	for _, b := range biases {
		require.Zero(t, b)
	}
	for _, w := range tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName("/linear", "weights").MustValue()) {
		require.LessOrEqual(t, w, float32(2e-3))
		require.GreaterOrEqual(t, w, float32(-2e-3))
	}

	// Without biases, over a rank-4 input.
	ctx = context.New()
	ctx.In("linear").VariableWithValue("weights", [][]float32{{2}, {-1}})
	output = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Linear(ctx.Reuse().In("linear"), x, 1, false, 1)
	}, [][][][]float32{{{{1, 1}, {3, 2}}}})
	require.Equal(t, [][][][]float32{{{{1}, {4}}}}, output.Value())
	require.Nil(t, ctx.GetVariableByScopeAndName("/linear", "biases"))

	// Rank-1 inputs have no batch axis.
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			return Linear(ctx, Ones(g, shapes.Make(dtypes.Float32, 4)), 2, true, 1)
		})
	})
}

func TestMLP(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return MLP(ctx.In("mlp"), Ones(g, shapes.Make(dtypes.Float32, 2, 3, 4, 8)), 32, 1)
	})
	require.NoError(t, output.Shape().Check(dtypes.Float32, 2, 3, 4, 8))
	require.NoError(t, ctx.GetVariableByScopeAndName("/mlp/fc1", "weights").Shape().CheckDims(8, 32))
	require.NoError(t, ctx.GetVariableByScopeAndName("/mlp/fc2", "weights").Shape().CheckDims(32, 8))
	require.NoError(t, ctx.GetVariableByScopeAndName("/mlp/fc2", "biases").Shape().CheckDims(8))
}

func TestBlocks(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := smallConfig()
	cfg.Depth = 3
	ctx := context.New()
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, cfg.GridHeight(), cfg.GridWidth(), cfg.EmbedDim))
		x = Sin(MulScalar(x, 0.01))
		return Blocks(ctx, x, cfg)
	})
	require.NoError(t, output.Shape().Check(dtypes.Float32, 2, 4, 8, 16))
	for ii, scope := range []string{"/block_000", "/block_001", "/block_002"} {
		require.NotNilf(t, ctx.GetVariableByScopeAndName(scope+"/filter", "w1"), "scope %s", scope)
		require.NotNilf(t, ctx.GetVariableByScopeAndName(scope+"/norm1/layer_normalization", "gain"), "scope %s", scope)
		require.NotNilf(t, ctx.GetVariableByScopeAndName(scope+"/mlp/fc1", "weights"), "scope %s", scope)
		norm2 := ctx.GetVariableByScopeAndName(scope+"/norm2/layer_normalization", "gain")
		if ii == 2 {
			assert.Nil(t, norm2, "last block should have no norm2")
		} else {
			assert.NotNilf(t, norm2, "scope %s", scope)
		}
	}
}

func TestDropPath(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))

	// Inference: identity.
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return DropPath(ctx, Ones(g, shapes.Make(dtypes.Float32, 4, 3)), 0.5)
	})
	require.Equal(t, [][]float32{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}, {1, 1, 1}}, output.Value())

	// Training: each example is either dropped or scaled by 1/(1-0.5).
	output = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		return DropPath(ctx, Ones(g, shapes.Make(dtypes.Float32, 256, 3)), 0.5)
	})
	var numDropped int
	for _, row := range output.Value().([][]float32) {
		require.Contains(t, []float32{0, 2}, row[0])
		require.Equal(t, row[0], row[1])
		require.Equal(t, row[0], row[2])
		if row[0] == 0 {
			numDropped++
		}
	}
	assert.Greater(t, numDropped, 64)
	assert.Less(t, numDropped, 192)
}
