// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveLossPlot saves the loss curve of the history as an image to path. The format is taken from the
// path extension (e.g.: ".png", ".svg" or ".pdf").
func SaveLossPlot(path string, history *History) error {
	if history == nil || len(history.Loss) == 0 {
		return errors.New("no loss history to plot")
	}
	points := make(plotter.XYs, 0, len(history.Loss))
	for ii, loss := range history.Loss {
		step := ii
		if ii < len(history.Steps) {
			step = history.Steps[ii]
		}
		points = append(points, plotter.XY{X: float64(step), Y: loss})
	}

	p := plot.New()
	p.Title.Text = "training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "mse"
	line, err := plotter.NewLine(points)
	if err != nil {
		return errors.Wrap(err, "creating loss line")
	}
	p.Add(line, plotter.NewGrid())
	if err = p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving loss plot to %q", path)
	}
	return nil
}
