package tools

import (
	"context"
	"os"

	"cavitymap/pkg/failure"
	"cavitymap/pkg/nifti"
)

// DCM2NIIX converts a folder of DICOM slices into compressed NIfTI volumes
// with BIDS sidecars. All volumes land in the declared output directory;
// choosing among them is the caller's job.
type DCM2NIIX struct{ tool }

// NewDCM2NIIX returns the convert-dicom adapter.
func NewDCM2NIIX(bin string, r Runner) *DCM2NIIX {
	return &DCM2NIIX{newTool(bin, r, "dcm2niix")}
}

// Capability implements Adapter.
func (d *DCM2NIIX) Capability() Capability { return CapConvertDICOM }

// Invoke implements Adapter: dcm2niix -z y -b y -f %f_%s -o OUT IN
func (d *DCM2NIIX) Invoke(ctx context.Context, inv Invocation) error {
	if err := CheckInputs(inv); err != nil {
		return err
	}
	in, err := lookup(inv.Inputs, KeyDir)
	if err != nil {
		return err
	}
	out, err := lookup(inv.Outputs, KeyDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return err
	}
	_, err = run(ctx, d.runner, d.log, Command{
		Program: d.bin,
		Args:    []string{"-z", "y", "-b", "y", "-f", "%f_%s", "-o", out, in},
	})
	return err
}

// NII2DCM exports a NIfTI mask as a DICOM series folder and then stamps
// the mask's orientation on every slice.
type NII2DCM struct{ tool }

// NewNII2DCM returns the export-dicom adapter.
func NewNII2DCM(bin string, r Runner) *NII2DCM {
	return &NII2DCM{newTool(bin, r, "nii2dcm")}
}

// Capability implements Adapter.
func (n *NII2DCM) Capability() Capability { return CapExportDICOM }

// Invoke implements Adapter: nii2dcm X OUTDIR -d MR
func (n *NII2DCM) Invoke(ctx context.Context, inv Invocation) error {
	if err := CheckInputs(inv); err != nil {
		return err
	}
	in, err := lookup(inv.Inputs, KeyIn)
	if err != nil {
		return err
	}
	out, err := lookup(inv.Outputs, KeyDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return err
	}
	if _, err := run(ctx, n.runner, n.log, Command{Program: n.bin, Args: []string{in, out, "-d", "MR"}}); err != nil {
		return err
	}

	h, err := nifti.ReadHeader(in)
	if err != nil {
		return err
	}
	count, err := FixOrientation(out, h)
	if err != nil {
		return err
	}
	if count == 0 {
		return failure.New(failure.CodeStageProducedNoOutput, "%s wrote no slices to %s", n.bin, out)
	}
	n.log.Debug("orientation fixed", "slices", count, "dir", out)
	return nil
}
