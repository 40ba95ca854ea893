package tools

import (
	"context"
)

// AFNIResample resamples a label volume onto another volume's grid with
// nearest-neighbour interpolation (3dresample -rmode NN).
type AFNIResample struct{ tool }

// NewAFNIResample returns the match-grid resampler.
func NewAFNIResample(bin string, r Runner) *AFNIResample {
	return &AFNIResample{newTool(bin, r, "3dresample")}
}

// Capability implements Adapter.
func (a *AFNIResample) Capability() Capability { return CapResample }

// Invoke implements Adapter: 3dresample -master R -rmode NN -prefix Y -input X
func (a *AFNIResample) Invoke(ctx context.Context, inv Invocation) error {
	if err := CheckInputs(inv); err != nil {
		return err
	}
	in, err := lookup(inv.Inputs, KeyIn)
	if err != nil {
		return err
	}
	ref, err := lookup(inv.Inputs, KeyRef)
	if err != nil {
		return err
	}
	out, err := lookup(inv.Outputs, KeyOut)
	if err != nil {
		return err
	}
	_, err = run(ctx, a.runner, a.log, Command{
		Program: a.bin,
		Args:    []string{"-master", ref, "-rmode", "NN", "-prefix", out, "-input", in},
	})
	return err
}
