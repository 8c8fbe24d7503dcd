// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// setFilterVariables creates the spectral filter variables for hiddenSize=1 (one block of size 1), with
// the real parts of the weights set to wReal and everything else to zero.
func setFilterVariables(ctx *context.Context, wReal float32) {
	ctx = ctx.In("filter")
	ctx.VariableWithValue("w1", [][][][]float32{{{{wReal}}}, {{{0}}}})
	ctx.VariableWithValue("b1", [][][]float32{{{0}}, {{0}}})
	ctx.VariableWithValue("w2", [][][][]float32{{{{wReal}}}, {{{0}}}})
	ctx.VariableWithValue("b2", [][][]float32{{{0}}, {{0}}})
}

func filterConfig(hiddenSize, numBlocks int) Config {
	cfg := DefaultConfig()
	cfg.EmbedDim = hiddenSize
	cfg.NumBlocks = numBlocks
	return cfg
}

func TestSpectralFilter(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Shapes", func(t *testing.T) {
		ctx := context.New()
		cfg := filterConfig(8, 2)
		cfg.HiddenSizeFactor = 2
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 2, 4, 6, 8))
			return SpectralFilter(ctx.In("filter"), x, cfg)
		})
		require.NoError(t, output.Shape().Check(dtypes.Float32, 2, 4, 6, 8))
		for name, dims := range map[string][]int{
			"w1": {2, 2, 4, 8},
			"b1": {2, 2, 8},
			"w2": {2, 2, 8, 4},
			"b2": {2, 2, 4},
		} {
			v := ctx.GetVariableByScopeAndName("/filter", name)
			require.NotNilf(t, v, "missing variable %q", name)
			require.NoErrorf(t, v.Shape().CheckDims(dims...), "variable %q", name)
		}
	})

	t.Run("ZeroWeights", func(t *testing.T) {
		// Spectral branch is zero: only the residual is left.
		ctx := context.New()
		setFilterVariables(ctx, 0)
		x := [][][][]float32{{{{1}, {-2}, {3}, {0.5}}, {{0}, {1}, {1}, {-1}}}}
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return SpectralFilter(ctx.Reuse().In("filter"), x, filterConfig(1, 1))
		}, x)
		require.Equal(t, x, output.Value())
	})

	t.Run("IdentityWeights", func(t *testing.T) {
		// A positive constant only has a positive real DC mode, which passes through the ReLUs unchanged:
		// filtered + residual = 2x.
		ctx := context.New()
		setFilterVariables(ctx, 1)
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return SpectralFilter(ctx.Reuse().In("filter"), x, filterConfig(1, 1))
		})
		output := exec.MustExec1(tensors.FromScalarAndDimensions(float32(0.5), 1, 4, 4, 1))
		fmt.Printf("\tfilter(0.5) = %v\n", output)
		want := tensors.FromScalarAndDimensions(float32(1), 1, 4, 4, 1)
		require.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](output), 1e-5)

		// A negative constant is zeroed by the first ReLU: only the residual is left.
		output = exec.MustExec1(tensors.FromScalarAndDimensions(float32(-0.5), 1, 4, 4, 1))
		want = tensors.FromScalarAndDimensions(float32(-0.5), 1, 4, 4, 1)
		require.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](output), 1e-5)
	})

	t.Run("SparsityThreshold", func(t *testing.T) {
		// DC mode of 0.5 over 16 pixels is 2.0, shrunk by 1.5 to 0.5 and transformed back to 0.5/4 = 0.125,
		// plus the residual.
		ctx := context.New()
		setFilterVariables(ctx, 1)
		cfg := filterConfig(1, 1)
		cfg.SparsityThreshold = 1.5
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return SpectralFilter(ctx.Reuse().In("filter"), x, cfg)
		}, tensors.FromScalarAndDimensions(float32(0.5), 1, 4, 4, 1))
		for _, v := range tensors.MustCopyFlatData[float32](output) {
			require.InDelta(t, 0.625, v, 1e-5)
		}
	})

	t.Run("HalfPrecision", func(t *testing.T) {
		ctx := context.New()
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float16, 1, 4, 4, 8))
			return SpectralFilter(ctx.In("filter"), x, filterConfig(8, 8))
		})
		require.NoError(t, output.Shape().Check(dtypes.Float16, 1, 4, 4, 8))
		v := ctx.GetVariableByScopeAndName("/filter", "w1")
		require.Equal(t, dtypes.Float32, v.Shape().DType)
	})

	t.Run("InvalidNumBlocks", func(t *testing.T) {
		ctx := context.New()
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 1, 4, 4, 6))
				return SpectralFilter(ctx.In("filter"), x, filterConfig(6, 4))
			})
		})
	})
}

// randomValues returns n values uniformly distributed in [-scale, scale), in float32 and float64.
func randomValues(rng *rand.Rand, n int, scale float64) ([]float32, []float64) {
	values32 := make([]float32, n)
	values64 := make([]float64, n)
	for ii := range n {
		values32[ii] = float32((2*rng.Float64() - 1) * scale)
		values64[ii] = float64(values32[ii])
	}
	return values32, values64
}

// spectralFilterCase holds the inputs of referenceSpectralFilter.
type spectralFilterCase struct {
	batchSize, height, width, hidden int
	numBlocks, hiddenFactor          int
	lambda                           float64

	// Window of kept frequency rows [rowStart, rowEnd) and columns [0, colEnd).
	rowStart, rowEnd, colEnd int

	x, w1, b1, w2, b2 []float64
}

// referenceSpectralFilter computes the filter with naive DFTs: the orthonormal 2D real DFT, the complex
// block MLP on the kept modes, the soft-shrink and the inverse transform, plus the residual.
func referenceSpectralFilter(tc spectralFilterCase) []float64 {
	height, width, hidden := tc.height, tc.width, tc.hidden
	nb := tc.numBlocks
	bs := hidden / nb
	bh := bs * tc.hiddenFactor
	widthModes := width/2 + 1
	norm := 1 / math.Sqrt(float64(height*width))
	phase := func(turns float64) complex128 { return cmplx.Exp(complex(0, 2*math.Pi*turns)) }
	shrink := func(v float64) float64 {
		switch {
		case v > tc.lambda:
			return v - tc.lambda
		case v < -tc.lambda:
			return v + tc.lambda
		}
		return 0
	}
	xAt := func(b, h, w, c int) int { return ((b*height+h)*width+w)*hidden + c }
	fAt := func(kh, kw, c int) int { return (kh*widthModes+kw)*hidden + c }

	output := make([]float64, len(tc.x))
	copy(output, tc.x)
	for b := range tc.batchSize {
		freq := make([]complex128, height*widthModes*hidden)
		for kh := range height {
			for kw := range widthModes {
				for c := range hidden {
					var sum complex128
					for h := range height {
						for w := range width {
							turns := float64(kh*h)/float64(height) + float64(kw*w)/float64(width)
							sum += complex(tc.x[xAt(b, h, w, c)], 0) * phase(-turns)
						}
					}
					freq[fAt(kh, kw, c)] = sum * complex(norm, 0)
				}
			}
		}

		filtered := make([]complex128, len(freq))
		for kh := tc.rowStart; kh < tc.rowEnd; kh++ {
			for kw := range tc.colEnd {
				for blk := range nb {
					hid := make([]complex128, bh)
					for o := range bh {
						sr, si := tc.b1[blk*bh+o], tc.b1[(nb+blk)*bh+o]
						for i := range bs {
							z := freq[fAt(kh, kw, blk*bs+i)]
							wr, wi := tc.w1[(blk*bs+i)*bh+o], tc.w1[((nb+blk)*bs+i)*bh+o]
							sr += real(z)*wr - imag(z)*wi
							si += imag(z)*wr + real(z)*wi
						}
						hid[o] = complex(max(sr, 0), max(si, 0))
					}
					for o := range bs {
						sr, si := tc.b2[blk*bs+o], tc.b2[(nb+blk)*bs+o]
						for i := range bh {
							z := hid[i]
							wr, wi := tc.w2[(blk*bh+i)*bs+o], tc.w2[((nb+blk)*bh+i)*bs+o]
							sr += real(z)*wr - imag(z)*wi
							si += imag(z)*wr + real(z)*wi
						}
						filtered[fAt(kh, kw, blk*bs+o)] = complex(shrink(sr), shrink(si))
					}
				}
			}
		}

		// Inverse: complex DFT over height, then the real (Hermitian) one over width.
		for h := range height {
			for c := range hidden {
				v := make([]complex128, widthModes)
				for kw := range widthModes {
					for kh := range height {
						v[kw] += filtered[fAt(kh, kw, c)] * phase(float64(kh*h)/float64(height))
					}
				}
				for w := range width {
					var sum float64
					for kw := range widthModes {
						weight := 2.0
						if kw == 0 || 2*kw == width {
							weight = 1
						}
						sum += weight * real(v[kw]*phase(float64(kw*w)/float64(width)))
					}
					output[xAt(b, h, w, c)] += sum * norm
				}
			}
		}
	}
	return output
}

func TestSpectralFilterReference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, tc := range []struct {
		name                     string
		fraction                 float64
		hiddenFactor             int
		rowStart, rowEnd, colEnd int
	}{
		// height=6: 4 modes per half, width=8: 5 width modes.
		{"AllModes", 1.0, 2, 0, 6, 4},
		{"HalfModes", 0.5, 1, 2, 6, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(42, uint64(tc.hiddenFactor)))
			fc := spectralFilterCase{
				batchSize: 2, height: 6, width: 8, hidden: 4,
				numBlocks: 2, hiddenFactor: tc.hiddenFactor,
				lambda:   0.01,
				rowStart: tc.rowStart, rowEnd: tc.rowEnd, colEnd: tc.colEnd,
			}
			bs := fc.hidden / fc.numBlocks
			bh := bs * fc.hiddenFactor
			x32, x64 := randomValues(rng, fc.batchSize*fc.height*fc.width*fc.hidden, 1)
			w1, w1f := randomValues(rng, 2*fc.numBlocks*bs*bh, 0.5)
			b1, b1f := randomValues(rng, 2*fc.numBlocks*bh, 0.1)
			w2, w2f := randomValues(rng, 2*fc.numBlocks*bh*bs, 0.5)
			b2, b2f := randomValues(rng, 2*fc.numBlocks*bs, 0.1)
			fc.x, fc.w1, fc.b1, fc.w2, fc.b2 = x64, w1f, b1f, w2f, b2f

			ctx := context.New()
			filterCtx := ctx.In("filter")
			filterCtx.VariableWithValue("w1", tensors.FromFlatDataAndDimensions(w1, 2, fc.numBlocks, bs, bh))
			filterCtx.VariableWithValue("b1", tensors.FromFlatDataAndDimensions(b1, 2, fc.numBlocks, bh))
			filterCtx.VariableWithValue("w2", tensors.FromFlatDataAndDimensions(w2, 2, fc.numBlocks, bh, bs))
			filterCtx.VariableWithValue("b2", tensors.FromFlatDataAndDimensions(b2, 2, fc.numBlocks, bs))

			cfg := filterConfig(fc.hidden, fc.numBlocks)
			cfg.HiddenSizeFactor = fc.hiddenFactor
			cfg.HardThresholdingFraction = tc.fraction
			cfg.SparsityThreshold = fc.lambda
			input := tensors.FromFlatDataAndDimensions(x32, fc.batchSize, fc.height, fc.width, fc.hidden)
			output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
				return SpectralFilter(ctx.Reuse().In("filter"), x, cfg)
			}, input)
			require.NoError(t, output.Shape().Check(dtypes.Float32, fc.batchSize, fc.height, fc.width, fc.hidden))

			want := referenceSpectralFilter(fc)
			got := tensors.MustCopyFlatData[float32](output)
			gotF64 := make([]float64, len(got))
			for ii, v := range got {
				gotF64[ii] = float64(v)
			}
			require.InDeltaSlice(t, want, gotF64, 1e-4)

			// The spectral branch must contribute: the output is not just the residual.
			var maxDiff float64
			for ii := range want {
				maxDiff = max(maxDiff, math.Abs(want[ii]-x64[ii]))
			}
			require.Greater(t, maxDiff, 1e-3)
		})
	}
}
