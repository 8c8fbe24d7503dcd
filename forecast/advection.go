// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	stdcontext "context"
	"math"
	"math/rand"
	"runtime"

	"github.com/gomlx/afno/afno"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// ParamAdvectionNumExamples is the number of examples generated by NewAdvectionDataset.
	ParamAdvectionNumExamples = "advection_num_examples"

	// ParamAdvectionNumBlobs is the number of Gaussian blobs in each field.
	ParamAdvectionNumBlobs = "advection_num_blobs"

	// ParamAdvectionMaxVelocity is the maximum displacement of the blobs, in pixels per frame, along each axis.
	ParamAdvectionMaxVelocity = "advection_max_velocity"
)

// AdvectionConfig configures the synthetic advection data: fields made of Gaussian blobs translated by
// a constant velocity per example, wrapping around the borders.
//
// Each example holds InChans consecutive frames as inputs and the OutChans frames that follow as labels.
type AdvectionConfig struct {
	Height, Width     int
	InChans, OutChans int
	NumExamples       int
	NumBlobs          int

	// MaxVelocity in pixels per frame: the velocity of each example is uniform in [-MaxVelocity, MaxVelocity]
	// for each axis.
	MaxVelocity float64

	// Seed of the generator: the same seed always generates the same examples, independent of parallelism.
	Seed int64
}

// AdvectionConfigFromContext returns the advection configuration matching the model configured in ctx.
func AdvectionConfigFromContext(ctx *context.Context) AdvectionConfig {
	cfg := afno.ConfigFromContext(ctx)
	return AdvectionConfig{
		Height:      cfg.ImgHeight,
		Width:       cfg.ImgWidth,
		InChans:     cfg.InChans,
		OutChans:    cfg.OutChans,
		NumExamples: context.GetParamOr(ctx, ParamAdvectionNumExamples, 512),
		NumBlobs:    context.GetParamOr(ctx, ParamAdvectionNumBlobs, 3),
		MaxVelocity: context.GetParamOr(ctx, ParamAdvectionMaxVelocity, 1.0),
		Seed:        int64(context.GetParamOr(ctx, ParamSeed, 42)),
	}
}

// Validate returns an error if the configuration can't generate data.
func (c AdvectionConfig) Validate() error {
	if c.Height <= 0 || c.Width <= 0 {
		return errors.Errorf("advection field size must be positive, got %dx%d", c.Height, c.Width)
	}
	if c.InChans <= 0 || c.OutChans <= 0 {
		return errors.Errorf("advection needs at least one input and one output frame, got in=%d, out=%d",
			c.InChans, c.OutChans)
	}
	if c.NumExamples <= 0 {
		return errors.Errorf("advection number of examples must be positive, got %d", c.NumExamples)
	}
	if c.NumBlobs <= 0 {
		return errors.Errorf("advection number of blobs must be positive, got %d", c.NumBlobs)
	}
	if c.MaxVelocity < 0 {
		return errors.Errorf("advection max velocity must be >= 0, got %g", c.MaxVelocity)
	}
	return nil
}

type blob struct {
	x, y, sigma, amplitude float64
}

// GenerateAdvection generates the frames of all examples, in parallel.
// It returns the inputs shaped [numExamples, inChans, height, width] and the labels
// shaped [numExamples, outChans, height, width], both float32.
func GenerateAdvection(ctx stdcontext.Context, cfg AdvectionConfig) (inputs, labels *tensors.Tensor, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}
	frameSize := cfg.Height * cfg.Width
	inputsData := make([]float32, cfg.NumExamples*cfg.InChans*frameSize)
	labelsData := make([]float32, cfg.NumExamples*cfg.OutChans*frameSize)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	for exampleIdx := range cfg.NumExamples {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(cfg.Seed + int64(exampleIdx)))
			blobs, vx, vy := cfg.sampleExample(rng)
			for frameIdx := range cfg.InChans + cfg.OutChans {
				var frame []float32
				if frameIdx < cfg.InChans {
					start := (exampleIdx*cfg.InChans + frameIdx) * frameSize
					frame = inputsData[start : start+frameSize]
				} else {
					start := (exampleIdx*cfg.OutChans + frameIdx - cfg.InChans) * frameSize
					frame = labelsData[start : start+frameSize]
				}
				cfg.render(frame, blobs, vx*float64(frameIdx), vy*float64(frameIdx))
			}
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return nil, nil, errors.WithMessage(err, "generating advection data")
	}
	inputs = tensors.FromFlatDataAndDimensions(inputsData, cfg.NumExamples, cfg.InChans, cfg.Height, cfg.Width)
	labels = tensors.FromFlatDataAndDimensions(labelsData, cfg.NumExamples, cfg.OutChans, cfg.Height, cfg.Width)
	return
}

func (c AdvectionConfig) sampleExample(rng *rand.Rand) (blobs []blob, vx, vy float64) {
	blobs = make([]blob, c.NumBlobs)
	minSize := float64(min(c.Height, c.Width))
	for ii := range blobs {
		blobs[ii] = blob{
			x:         rng.Float64() * float64(c.Width),
			y:         rng.Float64() * float64(c.Height),
			sigma:     minSize * (0.05 + 0.1*rng.Float64()),
			amplitude: 0.5 + 0.5*rng.Float64(),
		}
	}
	vx = (2*rng.Float64() - 1) * c.MaxVelocity
	vy = (2*rng.Float64() - 1) * c.MaxVelocity
	return
}

// render writes the blobs displaced by (dx, dy) into frame, shaped [height, width] row-major.
func (c AdvectionConfig) render(frame []float32, blobs []blob, dx, dy float64) {
	for y := range c.Height {
		for x := range c.Width {
			var value float64
			for _, b := range blobs {
				distX := periodicDistance(float64(x)-b.x-dx, float64(c.Width))
				distY := periodicDistance(float64(y)-b.y-dy, float64(c.Height))
				value += b.amplitude * math.Exp(-(distX*distX+distY*distY)/(2*b.sigma*b.sigma))
			}
			frame[y*c.Width+x] = float32(value)
		}
	}
}

// periodicDistance wraps d to [-period/2, period/2).
func periodicDistance(d, period float64) float64 {
	d = math.Mod(d+period/2, period)
	if d < 0 {
		d += period
	}
	return d - period/2
}

// NewAdvectionDataset generates the advection data and returns it as an in-memory dataset, yielding
// the input frames as inputs and the following frames as labels.
//
// The returned dataset is not batched: use BatchSize, Shuffle and Infinite as needed.
func NewAdvectionDataset(backend backends.Backend, name string, cfg AdvectionConfig) (*datasets.InMemoryDataset, error) {
	inputs, labels, err := GenerateAdvection(stdcontext.Background(), cfg)
	if err != nil {
		return nil, err
	}
	ds, err := datasets.InMemoryFromData(backend, name, []any{inputs}, []any{labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating advection dataset %q", name)
	}
	return ds, nil
}

// CreateDatasets generates the training and evaluation datasets configured in ctx.
//
// The training dataset is shuffled, infinite and batched with ParamBatchSize. The evaluation
// dataset is generated with a different seed, is finite and batched with ParamEvalBatchSize.
func CreateDatasets(backend backends.Backend, ctx *context.Context) (trainDS, evalDS *datasets.InMemoryDataset, err error) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 16)
	if batchSize <= 0 {
		return nil, nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	cfg := AdvectionConfigFromContext(ctx)
	trainDS, err = NewAdvectionDataset(backend, "Training", cfg)
	if err != nil {
		return nil, nil, err
	}
	trainDS.WithRand(rand.New(rand.NewSource(cfg.Seed))).Shuffle().Infinite(true).BatchSize(batchSize, true)

	evalCfg := cfg
	evalCfg.Seed = cfg.Seed + int64(cfg.NumExamples)
	evalCfg.NumExamples = max(cfg.NumExamples/4, 1)
	evalDS, err = NewAdvectionDataset(backend, "Validation", evalCfg)
	if err != nil {
		return nil, nil, err
	}
	evalDS.BatchSize(evalBatchSize, false)
	return
}
