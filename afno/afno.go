// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package afno implements an Adaptive Fourier Neural Operator (AFNO) network for
// forecasting of gridded fields.
//
// The token mixing of each transformer-like block is a global operator in the frequency domain:
// the patch grid is transformed with a 2D real FFT, each frequency mode goes through a
// block-diagonal complex MLP, the result is soft-shrunk and transformed back.
//
// On top of the backbone the network has two heads: a value head, predicting a residual for
// each pixel, and a flow head, predicting a displacement used to warp the previous input
// frame. The final prediction is the warped frame plus the value.
//
// All hyperparameters are read from the context (see the Param* constants), and can also be
// manipulated with the typed Config.
//
// Example:
//
//	ctx := context.New()
//	cfg := afno.DefaultConfig()
//	cfg.ImgHeight, cfg.ImgWidth = 224, 224
//	cfg.PatchHeight, cfg.PatchWidth = 4, 4
//	cfg.SetParams(ctx)
//	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
//		return afno.AFNONet(ctx, x)
//	})
package afno

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// ParamImgHeight and ParamImgWidth are the spatial dimensions of the input fields.
	ParamImgHeight = "afno_img_height"
	ParamImgWidth  = "afno_img_width"

	// ParamPatchHeight and ParamPatchWidth are the dimensions of each patch (token).
	ParamPatchHeight = "afno_patch_height"
	ParamPatchWidth  = "afno_patch_width"

	// ParamInChans is the number of input channels (frames).
	ParamInChans = "afno_in_chans"

	// ParamOutChans is the number of predicted channels. The warp uses the last ParamOutChans input channels,
	// so it must be <= ParamInChans.
	ParamOutChans = "afno_out_chans"

	// ParamEmbedDim is the dimension of the token embeddings.
	ParamEmbedDim = "afno_embed_dim"

	// ParamDepth is the number of blocks.
	ParamDepth = "afno_depth"

	// ParamMLPRatio is the ratio of the hidden dimension of each block's MLP to the embedding dimension.
	ParamMLPRatio = "afno_mlp_ratio"

	// ParamDropPathRate is the maximum drop-path (stochastic depth) probability, used by the last block.
	// The probability grows linearly from 0 on the first block.
	ParamDropPathRate = "afno_drop_path_rate"

	// ParamNumBlocks is the number of diagonal blocks of the spectral filter's complex MLP.
	ParamNumBlocks = "afno_num_blocks"

	// ParamSparsityThreshold is the lambda of the soft-shrink applied in the frequency domain.
	ParamSparsityThreshold = "afno_sparsity_threshold"

	// ParamHardThresholdingFraction is the fraction of frequency modes kept by the spectral filter.
	ParamHardThresholdingFraction = "afno_hard_thresholding_fraction"

	// ParamHiddenSizeFactor multiplies the block size to get the hidden dimension of the spectral filter's MLP.
	ParamHiddenSizeFactor = "afno_hidden_size_factor"

	// ParamNormEpsilon is the epsilon used by all layer normalizations.
	ParamNormEpsilon = "afno_norm_epsilon"

	// ParamDoubleSkip enables the residual connection around the spectral filter.
	ParamDoubleSkip = "afno_double_skip"
)

// Config holds the hyperparameters of the AFNO network.
type Config struct {
	ImgHeight                int     `yaml:"img_height"`
	ImgWidth                 int     `yaml:"img_width"`
	PatchHeight              int     `yaml:"patch_height"`
	PatchWidth               int     `yaml:"patch_width"`
	InChans                  int     `yaml:"in_chans"`
	OutChans                 int     `yaml:"out_chans"`
	EmbedDim                 int     `yaml:"embed_dim"`
	Depth                    int     `yaml:"depth"`
	MLPRatio                 float64 `yaml:"mlp_ratio"`
	DropPathRate             float64 `yaml:"drop_path_rate"`
	NumBlocks                int     `yaml:"num_blocks"`
	SparsityThreshold        float64 `yaml:"sparsity_threshold"`
	HardThresholdingFraction float64 `yaml:"hard_thresholding_fraction"`
	HiddenSizeFactor         int     `yaml:"hidden_size_factor"`
	NormEpsilon              float64 `yaml:"norm_epsilon"`
	DoubleSkip               bool    `yaml:"double_skip"`
}

// DefaultConfig returns the configuration used for a 0.5 degree global grid (360x720).
func DefaultConfig() Config {
	return Config{
		ImgHeight:                360,
		ImgWidth:                 720,
		PatchHeight:              6,
		PatchWidth:               6,
		InChans:                  2,
		OutChans:                 1,
		EmbedDim:                 512,
		Depth:                    1,
		MLPRatio:                 4,
		DropPathRate:             0,
		NumBlocks:                8,
		SparsityThreshold:        0,
		HardThresholdingFraction: 1,
		HiddenSizeFactor:         1,
		NormEpsilon:              1e-6,
		DoubleSkip:               true,
	}
}

// ConfigFromContext reads the configuration from the context params, using the DefaultConfig values
// for the params not set.
func ConfigFromContext(ctx *context.Context) Config {
	d := DefaultConfig()
	return Config{
		ImgHeight:                context.GetParamOr(ctx, ParamImgHeight, d.ImgHeight),
		ImgWidth:                 context.GetParamOr(ctx, ParamImgWidth, d.ImgWidth),
		PatchHeight:              context.GetParamOr(ctx, ParamPatchHeight, d.PatchHeight),
		PatchWidth:               context.GetParamOr(ctx, ParamPatchWidth, d.PatchWidth),
		InChans:                  context.GetParamOr(ctx, ParamInChans, d.InChans),
		OutChans:                 context.GetParamOr(ctx, ParamOutChans, d.OutChans),
		EmbedDim:                 context.GetParamOr(ctx, ParamEmbedDim, d.EmbedDim),
		Depth:                    context.GetParamOr(ctx, ParamDepth, d.Depth),
		MLPRatio:                 context.GetParamOr(ctx, ParamMLPRatio, d.MLPRatio),
		DropPathRate:             context.GetParamOr(ctx, ParamDropPathRate, d.DropPathRate),
		NumBlocks:                context.GetParamOr(ctx, ParamNumBlocks, d.NumBlocks),
		SparsityThreshold:        context.GetParamOr(ctx, ParamSparsityThreshold, d.SparsityThreshold),
		HardThresholdingFraction: context.GetParamOr(ctx, ParamHardThresholdingFraction, d.HardThresholdingFraction),
		HiddenSizeFactor:         context.GetParamOr(ctx, ParamHiddenSizeFactor, d.HiddenSizeFactor),
		NormEpsilon:              context.GetParamOr(ctx, ParamNormEpsilon, d.NormEpsilon),
		DoubleSkip:               context.GetParamOr(ctx, ParamDoubleSkip, d.DoubleSkip),
	}
}

// SetParams writes the configuration to the context params, at the current scope.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamImgHeight:                c.ImgHeight,
		ParamImgWidth:                 c.ImgWidth,
		ParamPatchHeight:              c.PatchHeight,
		ParamPatchWidth:               c.PatchWidth,
		ParamInChans:                  c.InChans,
		ParamOutChans:                 c.OutChans,
		ParamEmbedDim:                 c.EmbedDim,
		ParamDepth:                    c.Depth,
		ParamMLPRatio:                 c.MLPRatio,
		ParamDropPathRate:             c.DropPathRate,
		ParamNumBlocks:                c.NumBlocks,
		ParamSparsityThreshold:        c.SparsityThreshold,
		ParamHardThresholdingFraction: c.HardThresholdingFraction,
		ParamHiddenSizeFactor:         c.HiddenSizeFactor,
		ParamNormEpsilon:              c.NormEpsilon,
		ParamDoubleSkip:               c.DoubleSkip,
	})
}

// Validate returns an error if the configuration can't be used to build the network.
func (c Config) Validate() error {
	if c.ImgHeight <= 1 || c.ImgWidth <= 1 {
		return errors.Errorf("image size must be > 1 in both axes, got (%d, %d)", c.ImgHeight, c.ImgWidth)
	}
	if c.PatchHeight <= 0 || c.PatchWidth <= 0 {
		return errors.Errorf("patch size must be > 0, got (%d, %d)", c.PatchHeight, c.PatchWidth)
	}
	if c.ImgHeight%c.PatchHeight != 0 || c.ImgWidth%c.PatchWidth != 0 {
		return errors.Errorf("image size (%d, %d) must be divisible by the patch size (%d, %d)",
			c.ImgHeight, c.ImgWidth, c.PatchHeight, c.PatchWidth)
	}
	if c.GridWidth()%2 != 0 {
		return errors.Errorf("the patch grid width (%d / %d = %d) must be even, the inverse real FFT can't reconstruct odd widths",
			c.ImgWidth, c.PatchWidth, c.GridWidth())
	}
	if c.InChans <= 0 || c.OutChans <= 0 {
		return errors.Errorf("in_chans (%d) and out_chans (%d) must be > 0", c.InChans, c.OutChans)
	}
	if c.OutChans > c.InChans {
		return errors.Errorf("out_chans (%d) must be <= in_chans (%d), the warp reads the last out_chans input channels",
			c.OutChans, c.InChans)
	}
	if c.EmbedDim <= 0 || c.NumBlocks <= 0 {
		return errors.Errorf("embed_dim (%d) and num_blocks (%d) must be > 0", c.EmbedDim, c.NumBlocks)
	}
	if c.EmbedDim%c.NumBlocks != 0 {
		return errors.Errorf("hidden_size %d should be divisible by num_blocks %d", c.EmbedDim, c.NumBlocks)
	}
	if c.Depth < 1 {
		return errors.Errorf("depth must be >= 1, got %d", c.Depth)
	}
	if c.MLPRatio <= 0 || c.HiddenSizeFactor < 1 {
		return errors.Errorf("mlp_ratio (%g) must be > 0 and hidden_size_factor (%d) >= 1", c.MLPRatio, c.HiddenSizeFactor)
	}
	if c.HardThresholdingFraction <= 0 || c.HardThresholdingFraction > 1 {
		return errors.Errorf("hard_thresholding_fraction must be in (0, 1], got %g", c.HardThresholdingFraction)
	}
	if c.SparsityThreshold < 0 {
		return errors.Errorf("sparsity_threshold must be >= 0, got %g", c.SparsityThreshold)
	}
	if c.DropPathRate < 0 || c.DropPathRate >= 1 {
		return errors.Errorf("drop_path_rate must be in [0, 1), got %g", c.DropPathRate)
	}
	return nil
}

// GridHeight is the number of patches along the height.
func (c Config) GridHeight() int { return c.ImgHeight / c.PatchHeight }

// GridWidth is the number of patches along the width.
func (c Config) GridWidth() int { return c.ImgWidth / c.PatchWidth }

// NumPatches is the number of tokens.
func (c Config) NumPatches() int { return c.GridHeight() * c.GridWidth() }

// MLPHiddenDim is the hidden dimension of each block's MLP.
func (c Config) MLPHiddenDim() int { return int(float64(c.EmbedDim) * c.MLPRatio) }

// LayerScale is the deep-norm scaling of the residual connections, (2*depth)^(1/4).
//
// See "DeepNet: Scaling Transformers to 1,000 Layers", https://arxiv.org/abs/2203.00555
func (c Config) LayerScale() float64 { return math.Pow(float64(2*c.Depth), 0.25) }

// InitGain is the deep-norm scaling of the initial weights, (8*depth)^(-1/4).
func (c Config) InitGain() float64 { return math.Pow(float64(8*c.Depth), -0.25) }

// DropPathRates returns the drop-path probability of each block, linearly spaced from 0 to DropPathRate.
func (c Config) DropPathRates() []float64 {
	rates := make([]float64, c.Depth)
	if c.Depth == 1 {
		return rates
	}
	for ii := range rates {
		rates[ii] = c.DropPathRate * float64(ii) / float64(c.Depth-1)
	}
	return rates
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("AFNO(img=%dx%d, patch=%dx%d, chans=%d->%d, embed=%d, depth=%d, blocks=%d)",
		c.ImgHeight, c.ImgWidth, c.PatchHeight, c.PatchWidth, c.InChans, c.OutChans, c.EmbedDim, c.Depth, c.NumBlocks)
}

// YAML serializes the configuration.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize %s to YAML", c)
	}
	return data, nil
}

// ParseConfigYAML parses a configuration serialized with Config.YAML.
// Fields missing in data take the DefaultConfig values.
func ParseConfigYAML(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrap(err, "failed to parse AFNO configuration")
	}
	if err := c.Validate(); err != nil {
		return c, errors.WithMessage(err, "invalid AFNO configuration")
	}
	return c, nil
}
