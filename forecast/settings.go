// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package forecast trains and runs the AFNO network on gridded fields.
//
// It holds the training harness (CreateDefaultContext, NewTrainer, Train and Predict), a synthetic
// advection dataset used for demos and tests, and a few helpers to save fields and loss curves as images.
package forecast

import (
	"github.com/gomlx/afno/afno"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

const (
	// ParamTrainSteps is the number of training steps run by Train when no explicit number is given.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize is the training batch size.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the evaluation batch size: it can be larger than the training one.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamLogEveryNSteps is the period, in steps, of the training progress log lines. Set to 0 to disable.
	ParamLogEveryNSteps = "log_every_n_steps"

	// ParamProgressBar attaches a command-line progress bar to the training loop.
	ParamProgressBar = "progress_bar"

	// ParamSeed is used to seed both the context random number generator and the synthetic data.
	ParamSeed = "seed"
)

// ModelScope is the scope under which the model variables are created.
const ModelScope = "model"

// CreateDefaultContext returns a context with default hyperparameters for Train.
//
// The model defaults are small enough to train in a few seconds on a CPU: a 16x32 grid,
// 2x2 patches and an embedding of 32. Change them with afno.Config or by setting the afno.Param* values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	cfg := afno.DefaultConfig()
	cfg.ImgHeight, cfg.ImgWidth = 16, 32
	cfg.PatchHeight, cfg.PatchWidth = 2, 2
	cfg.InChans, cfg.OutChans = 2, 1
	cfg.EmbedDim = 32
	cfg.NumBlocks = 4
	cfg.Depth = 2
	cfg.SetParams(ctx)

	ctx.SetParams(map[string]any{
		ParamTrainSteps:     300,
		ParamBatchSize:      16,
		ParamEvalBatchSize:  64,
		ParamLogEveryNSteps: 50,
		ParamProgressBar:    false,
		ParamSeed:           42,

		// Synthetic data.
		ParamAdvectionNumExamples: 512,
		ParamAdvectionNumBlobs:    3,
		ParamAdvectionMaxVelocity: 1.0,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamWeightDecay: 1e-4,
		optimizers.ParamClipNaN:         false,

		cosineschedule.ParamPeriodSteps:     0, // Enabled if > 0, typically set to the same value as train_steps.
		cosineschedule.ParamMinLearningRate: 1e-5,
	})
	if err := ctx.SetRNGStateFromSeed(int64(context.GetParamOr(ctx, ParamSeed, 42))); err != nil {
		exceptions.Panicf("failed to seed the context random number generator: %+v", err)
	}
	return ctx
}
