// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/afno/afno"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loss is the mean squared error between the target frames (labels[0]) and the predicted frames (predictions[0]).
func Loss(labels, predictions []*Node) *Node {
	return losses.MeanSquaredError(labels, predictions)
}

// ModelGraph builds the AFNO network and, during training, the learning rate schedule.
// It implements train.ModelFn.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	cosineschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
	return afno.ModelGraph(ctx, spec, inputs)
}

func meanAbsoluteErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return ReduceAllMean(Abs(Sub(labels[0], predictions[0])))
}

func meanSquaredErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return Loss(labels, predictions)
}

// NewTrainer returns a trainer of the AFNO network, with variables in the ModelScope of ctx.
//
// Besides the loss, it tracks a moving average of the mean squared error during training, and the mean
// squared and absolute errors during evaluation.
func NewTrainer(backend backends.Backend, ctx *context.Context) *train.Trainer {
	movingMSE := metrics.NewExponentialMovingAverageMetric(
		"Moving Average MSE", "~mse", "mse", meanSquaredErrorGraph, nil, 0.01)
	meanMSE := metrics.NewMeanMetric("Mean Squared Error", "#mse", "mse", meanSquaredErrorGraph, nil)
	meanMAE := metrics.NewMeanMetric("Mean Absolute Error", "#mae", "mae", meanAbsoluteErrorGraph, nil)
	ctx = ctx.In(ModelScope)
	return train.NewTrainer(backend, ctx, ModelGraph, Loss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingMSE},        // trainMetrics
		[]metrics.Interface{meanMSE, meanMAE}) // evalMetrics
}

// History records the training loss and the final evaluation of a Train call.
type History struct {
	// Steps and Loss hold the global step and the batch loss of each training step.
	Steps []int
	Loss  []float64

	// Eval maps the short name of each evaluation metric to its value. It is empty if no evaluation dataset was given.
	Eval map[string]float64
}

// Train trains the model in ctx for the given number of steps. If steps <= 0, ParamTrainSteps is used.
//
// If evalDS is not nil, it is evaluated at the end of the training. If ParamProgressBar is set, a
// command-line progress bar is attached to the training loop.
// Errors, including failures to build the computation graph, are returned.
func Train(ctx *context.Context, backend backends.Backend, trainDS, evalDS train.Dataset, steps int) (*History, error) {
	if steps <= 0 {
		steps = context.GetParamOr(ctx, ParamTrainSteps, 0)
	}
	if steps <= 0 {
		return nil, errors.Errorf("number of train steps must be > 0, got %d", steps)
	}
	if err := afno.ConfigFromContext(ctx).Validate(); err != nil {
		return nil, err
	}

	history := &History{Eval: make(map[string]float64)}
	err := exceptions.TryCatch[error](func() {
		trainer := NewTrainer(backend, ctx)
		loop := train.NewLoop(trainer)
		if context.GetParamOr(ctx, ParamProgressBar, false) {
			commandline.AttachProgressBar(loop)
		}
		logEvery := context.GetParamOr(ctx, ParamLogEveryNSteps, 0)
		loop.OnStep("forecast.History", 0, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			loss := shapes.ConvertTo[float64](stepMetrics[0].Value())
			history.Steps = append(history.Steps, loop.LoopStep)
			history.Loss = append(history.Loss, loss)
			if logEvery > 0 && (loop.LoopStep+1)%logEvery == 0 {
				klog.Infof("step %d: loss=%.6g", loop.LoopStep+1, loss)
			}
			return nil
		})
		_, err := loop.RunSteps(trainDS, steps)
		if err != nil {
			panic(errors.WithMessagef(err, "training for %d steps", steps))
		}
		klog.V(1).Infof("trained %d steps, median step %s, %s parameters (including optimizer state) using %s",
			steps, loop.MedianTrainStepDuration(), humanize.Comma(int64(ctx.NumParameters())),
			humanize.Bytes(uint64(ctx.Memory())))

		if evalDS == nil {
			return
		}
		evalValues, err := trainer.Eval(evalDS)
		if err != nil {
			panic(errors.WithMessagef(err, "evaluating on %q", evalDS.Name()))
		}
		for ii, metric := range trainer.EvalMetrics() {
			history.Eval[metric.ShortName()] = shapes.ConvertTo[float64](evalValues[ii].Value())
			klog.Infof("%s: %s (%s) = %s", evalDS.Name(), metric.Name(), metric.ShortName(),
				metric.PrettyPrint(evalValues[ii]))
		}
		evalDS.Reset()
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// Forecast holds the outputs of all heads for a batch of frames, see afno.Prediction.
type Forecast struct {
	Value, Flow, Warped, Output *tensors.Tensor
}

// Predict runs the model in ctx on the frames, shaped [batch, inChans, height, width].
//
// If the model variables don't exist yet (ctx was not trained), they are initialized.
func Predict(ctx *context.Context, backend backends.Backend, frames *tensors.Tensor) (*Forecast, error) {
	var f *Forecast
	err := exceptions.TryCatch[error](func() {
		exec := context.MustNewExec(backend, ctx.In(ModelScope).Checked(false),
			func(ctx *context.Context, x *Node) []*Node {
				p := afno.Predict(ctx, x)
				return []*Node{p.Value, p.Flow, p.Warped, p.Output}
			})
		outputs := exec.MustExec(frames)
		f = &Forecast{Value: outputs[0], Flow: outputs[1], Warped: outputs[2], Output: outputs[3]}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "predicting frames shaped %s", frames.Shape())
	}
	return f, nil
}
