// Package tools wraps the external medical-image programs used by the
// pipeline behind one uniform Adapter contract. Each adapter knows how to
// build the command line of its tool, checks that its declared inputs exist
// before launching, and converts a non-zero exit into a coded
// EXTERNAL_TOOL_ERROR carrying the tool's output.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"cavitymap/pkg/failure"
)

// Capability is an abstract operation the pipeline needs.
type Capability string

const (
	CapConvertDICOM     Capability = "convert-dicom"
	CapResample         Capability = "resample-isotropic"
	CapReorient         Capability = "reorient-to-canonical"
	CapStripSkull       Capability = "strip-skull"
	CapRegister         Capability = "register-to-atlas"
	CapSegment          Capability = "segment-volume"
	CapComputeStats     Capability = "compute-stats"
	CapComputeOverlap   Capability = "compute-overlap"
	CapRenderPlot       Capability = "render-plot"
	CapExportDICOM      Capability = "export-dicom"
	CapExportNIfTI      Capability = "export-nifti"
	CapInvertTransform  Capability = "invert-transform"
	CapCopyGeometry     Capability = "copy-geometry"
	CapPublishConverted Capability = "publish-converted"
)

// Op selects a mode inside a capability. The empty Op is the default mode.
type Op string

const (
	OpDefault   Op = ""
	OpIsotropic Op = "isotropic"
	OpMatchGrid Op = "match-grid"
	OpEstimate  Op = "estimate"
	OpApply     Op = "apply"

	// tissue classes of compute-overlap
	OpGrayMatter  Op = "gm"
	OpWhiteMatter Op = "wm"
)

// Well-known keys of Invocation maps.
const (
	KeyIn     = "in"
	KeyRef    = "ref"
	KeyMatrix = "matrix"
	KeyOut    = "out"
	KeyMask   = "mask"
	KeyDir    = "dir"
	KeyGM     = "gm"
	KeyWM     = "wm"
)

// Well-known Params keys.
const (
	ParamQuality   = "quality"
	ParamPreferGPU = "prefer-gpu"
	ParamScratch   = "scratch"
	ParamVoxelSize = "voxel-size"
	ParamDOF       = "dof"
	ParamCase      = "case"
)

// Invocation is one request to an adapter. Inputs must exist before the
// call; Outputs are the paths the adapter must produce.
type Invocation struct {
	Op      Op
	Inputs  map[string]string
	Outputs map[string]string
	Params  map[string]string
}

// Adapter is the uniform contract over one external tool.
type Adapter interface {
	Capability() Capability
	Invoke(ctx context.Context, inv Invocation) error
}

// CheckInputs verifies every declared input path exists.
func CheckInputs(inv Invocation) error {
	keys := make([]string, 0, len(inv.Inputs))
	for k := range inv.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := inv.Inputs[k]
		if p == "" {
			return failure.New(failure.CodeMissingInput, "input %q not set", k)
		}
		if _, err := os.Stat(p); err != nil {
			return failure.Wrap(failure.CodeMissingInput, err, "input %q", k)
		}
	}
	return nil
}

// lookup returns the named entry or a MISSING_INPUT error.
func lookup(m map[string]string, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return "", failure.New(failure.CodeMissingInput, "%q not provided", key)
	}
	return v, nil
}

// run executes cmd through r and maps failures to EXTERNAL_TOOL_ERROR.
func run(ctx context.Context, r Runner, log *slog.Logger, cmd Command) (*Result, error) {
	log.Debug("running", "cmd", cmd.String())
	res, err := r.Run(ctx, cmd)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", cmd.Program, errors.Join(ctxErr, err))
	}
	diag := ""
	code := -1
	if res != nil {
		diag = strings.TrimSpace(res.Combined)
		code = res.ExitCode
	}
	return res, failure.Wrap(failure.CodeExternalToolError, err, "%s exited with status %d", cmd.Program, code).
		WithDiagnostic(diag)
}

// Func adapts an in-process function to the Adapter contract.
type Func struct {
	Cap Capability
	Fn  func(ctx context.Context, inv Invocation) error
}

// Capability implements Adapter.
func (f Func) Capability() Capability { return f.Cap }

// Invoke implements Adapter.
func (f Func) Invoke(ctx context.Context, inv Invocation) error {
	if err := CheckInputs(inv); err != nil {
		return err
	}
	return f.Fn(ctx, inv)
}

// Dispatch routes an invocation to the adapter registered for its Op.
type Dispatch struct {
	Cap Capability
	Ops map[Op]Adapter
}

// Capability implements Adapter.
func (d Dispatch) Capability() Capability { return d.Cap }

// Invoke implements Adapter.
func (d Dispatch) Invoke(ctx context.Context, inv Invocation) error {
	a, ok := d.Ops[inv.Op]
	if !ok {
		return fmt.Errorf("%s: unsupported op %q", d.Cap, inv.Op)
	}
	return a.Invoke(ctx, inv)
}
