// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package afno

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"k8s.io/klog/v2"
)

// Prediction holds the outputs of each head of the network, for inspection.
type Prediction struct {
	// Value is the pixel-wise residual prediction, shaped [batch, outChans, height, width].
	Value *Node

	// Flow is the displacement predicted for each output pixel, shaped [batch, outChans, height, width, 2],
	// in normalized (x, y) coordinates.
	Flow *Node

	// Warped is the last outChans input channels warped by Flow.
	Warped *Node

	// Output is Warped + Value, the prediction of the network.
	Output *Node
}

// ForwardFeatures embeds the images x, shaped [batch, inChans, height, width], into tokens and
// applies the AFNO blocks.
//
// It returns the features after the blocks and the embedding before them (patch embedding + position embedding),
// both shaped [batch, gridHeight, gridWidth, embedDim].
func ForwardFeatures(ctx *context.Context, x *Node, cfg Config) (features, embed *Node) {
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	tokens := PatchEmbed(ctx.In("patch_embed"), x, cfg)
	posEmbedVar := ctx.In("pos_embed").WithInitializer(TruncatedNormalInitializer(ctx, InitStdDev, 1)).
		VariableWithShape("pos_embed", shapes.Make(x.DType(), 1, cfg.NumPatches(), cfg.EmbedDim))
	tokens = Add(tokens, posEmbedVar.ValueGraph(g))
	embed = Reshape(tokens, batchSize, cfg.GridHeight(), cfg.GridWidth(), cfg.EmbedDim)
	features = Blocks(ctx, embed, cfg)
	return
}

// Predict builds the full network on the images x, shaped [batch, inChans, height, width], with the
// hyperparameters in the context (see ConfigFromContext), and returns the outputs of all heads.
func Predict(ctx *context.Context, x *Node) Prediction {
	cfg := ConfigFromContext(ctx)
	if err := cfg.Validate(); err != nil {
		exceptions.Panicf("invalid AFNO configuration: %v", err)
	}
	klog.V(1).Infof("Building %s for input %s", cfg, x.Shape())
	batchSize := x.Shape().Dimensions[0]
	gain := cfg.InitGain()
	features, embed := ForwardFeatures(ctx, x, cfg)

	var p Prediction
	value := Linear(ctx.In("value_head"), features, cfg.OutChans*cfg.PatchHeight*cfg.PatchWidth, false, gain)
	p.Value = unpatchify(value, batchSize, cfg, 1)

	flow := LayerNorm(ctx.In("flow_norm"), embed, cfg.NormEpsilon)
	flow = activations.Gelu(flow)
	flow = Linear(ctx.In("flow_head"), flow, cfg.OutChans*cfg.PatchHeight*cfg.PatchWidth*2, false, gain*FlowHeadInitScale)
	p.Flow = unpatchify(flow, batchSize, cfg, 2)

	frames := Slice(x, AxisRange(), AxisRange(cfg.InChans-cfg.OutChans))
	p.Warped = Warp(frames, p.Flow)
	p.Output = Add(p.Warped, p.Value)
	p.Output.AssertDims(batchSize, cfg.OutChans, cfg.ImgHeight, cfg.ImgWidth)
	return p
}

// AFNONet returns the prediction of the network for the images x, shaped [batch, inChans, height, width].
// The output is shaped [batch, outChans, height, width].
func AFNONet(ctx *context.Context, x *Node) *Node {
	return Predict(ctx, x).Output
}

// ModelGraph implements train.ModelFn: inputs[0] holds the input frames, and it returns the predicted frames.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return []*Node{AFNONet(ctx, inputs[0])}
}

// unpatchify rearranges the per-token predictions x, shaped [batch, gridHeight, gridWidth, patchHeight*patchWidth*outChans*coords],
// to pixels: [batch, outChans, height, width] if coords is 1, or [batch, outChans, height, width, coords] otherwise.
func unpatchify(x *Node, batchSize int, cfg Config, coords int) *Node {
	x = Reshape(x, batchSize, cfg.GridHeight(), cfg.GridWidth(), cfg.PatchHeight, cfg.PatchWidth, cfg.OutChans, coords)
	x = TransposeAllAxes(x, 0, 5, 1, 3, 2, 4, 6)
	if coords == 1 {
		return Reshape(x, batchSize, cfg.OutChans, cfg.ImgHeight, cfg.ImgWidth)
	}
	return Reshape(x, batchSize, cfg.OutChans, cfg.ImgHeight, cfg.ImgWidth, coords)
}
