// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// afnodemo builds the AFNO network for a 224x224 field with 4x4 patches, 2 input frames and 1 output frame,
// runs it once on random inputs and reports the output shape and L2 norm.
//
// It only accepts the klog flags, e.g.: `afnodemo -v=1` to see the model configuration.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/afno/afno"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := backends.MustNew()
	klog.Infof("Backend %q: %s", backend.Name(), backend.Description())

	cfg := afno.DefaultConfig()
	cfg.ImgHeight, cfg.ImgWidth = 224, 224
	cfg.PatchHeight, cfg.PatchWidth = 4, 4
	cfg.InChans, cfg.OutChans = 2, 1
	must.M(cfg.Validate())
	ctx := context.New()
	cfg.SetParams(ctx)
	must.M(ctx.SetRNGStateFromSeed(42))

	exec := must.M1(context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 1, cfg.InChans, cfg.ImgHeight, cfg.ImgWidth))
		y := afno.AFNONet(ctx, x)
		return []*Node{y, Sqrt(ReduceAllSum(Square(y)))}
	}))
	outputs := exec.MustExec()
	output, norm := outputs[0], outputs[1]
	fmt.Printf("Output shape: %s\n", output.Shape())
	fmt.Printf("Output L2 norm: %v\n", norm.Value())
	fmt.Println(variablesTable(ctx).Render())
}
