package tools

import (
	"context"
	"os"
)

// OverlapScript runs one tissue's ROI overlap script on a standard-space
// mask and writes one CSV row per importance map. The script reads its maps
// from its own location, so gray and white matter use separate scripts.
type OverlapScript struct {
	tool
	script string
}

// NewOverlapScript returns the compute-overlap adapter.
func NewOverlapScript(python, script string, r Runner) *OverlapScript {
	return &OverlapScript{tool: newTool(python, r, "overlap"), script: script}
}

// Capability implements Adapter.
func (o *OverlapScript) Capability() Capability { return CapComputeOverlap }

// Invoke implements Adapter: python3 script -l MASK -o CSV
func (o *OverlapScript) Invoke(ctx context.Context, inv Invocation) error {
	if err := CheckInputs(inv); err != nil {
		return err
	}
	in, err := lookup(inv.Inputs, KeyIn)
	if err != nil {
		return err
	}
	out, err := lookup(inv.Outputs, KeyOut)
	if err != nil {
		return err
	}
	_, err = run(ctx, o.runner, o.log, Command{Program: o.bin, Args: []string{o.script, "-l", in, "-o", out}})
	return err
}

// RadarPlotScript renders the GM/WM radar charts from the two overlap CSVs.
type RadarPlotScript struct {
	tool
	script string
}

// NewRadarPlotScript returns the render-plot adapter.
func NewRadarPlotScript(python, script string, r Runner) *RadarPlotScript {
	return &RadarPlotScript{tool: newTool(python, r, "radar"), script: script}
}

// Capability implements Adapter.
func (p *RadarPlotScript) Capability() Capability { return CapRenderPlot }

// Invoke implements Adapter: python3 script -g GM -w WM -o DIR
func (p *RadarPlotScript) Invoke(ctx context.Context, inv Invocation) error {
	if err := CheckInputs(inv); err != nil {
		return err
	}
	gm, err := lookup(inv.Inputs, KeyGM)
	if err != nil {
		return err
	}
	wm, err := lookup(inv.Inputs, KeyWM)
	if err != nil {
		return err
	}
	dir, err := lookup(inv.Outputs, KeyDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	_, err = run(ctx, p.runner, p.log, Command{Program: p.bin, Args: []string{p.script, "-g", gm, "-w", wm, "-o", dir}})
	return err
}
