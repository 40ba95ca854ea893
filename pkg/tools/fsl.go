package tools

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"cavitymap/pkg/failure"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/naming"
)

// tool is the state shared by every process-backed adapter.
type tool struct {
	bin    string
	runner Runner
	log    *slog.Logger
}

func newTool(bin string, r Runner, component string) tool {
	return tool{bin: bin, runner: r, log: logging.New(component)}
}

// FLIRT drives FSL's linear registration tool. It serves isotropic
// resampling, atlas registration and application of a stored matrix.
type FLIRT struct {
	tool
	cap Capability
}

// NewFLIRT returns a FLIRT adapter reporting capability c.
func NewFLIRT(bin string, r Runner, c Capability) *FLIRT {
	return &FLIRT{tool: newTool(bin, r, "flirt"), cap: c}
}

// Capability implements Adapter.
func (f *FLIRT) Capability() Capability { return f.cap }

// Invoke implements Adapter.
//
//	isotropic: flirt -in X -ref X -out Y -applyisoxfm S -interp trilinear
//	estimate:  flirt -in X -ref T -out Y -omat M -dof 12
//	apply:     flirt -in X -ref R -out Y -applyxfm -init M -interp nearestneighbour
func (f *FLIRT) Invoke(ctx context.Context, inv Invocation) error {
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

	var args []string
	switch inv.Op {
	case OpIsotropic:
		size := inv.Params[ParamVoxelSize]
		if size == "" {
			size = "1"
		}
		args = []string{"-in", in, "-ref", in, "-out", out, "-applyisoxfm", size, "-interp", "trilinear"}
	case OpEstimate:
		ref, err := lookup(inv.Inputs, KeyRef)
		if err != nil {
			return err
		}
		mat, err := lookup(inv.Outputs, KeyMatrix)
		if err != nil {
			return err
		}
		dof := inv.Params[ParamDOF]
		if dof == "" {
			dof = "12"
		}
		args = []string{"-in", in, "-ref", ref, "-out", out, "-omat", mat, "-dof", dof}
	case OpApply:
		ref, err := lookup(inv.Inputs, KeyRef)
		if err != nil {
			return err
		}
		mat, err := lookup(inv.Inputs, KeyMatrix)
		if err != nil {
			return err
		}
		args = []string{"-in", in, "-ref", ref, "-out", out, "-applyxfm", "-init", mat, "-interp", "nearestneighbour"}
	default:
		return fmt.Errorf("flirt: unsupported op %q", inv.Op)
	}

	_, err = run(ctx, f.runner, f.log, Command{Program: f.bin, Args: args})
	return err
}

// Reorient wraps fslreorient2std, recording the applied matrix.
type Reorient struct{ tool }

// NewReorient returns the reorient-to-canonical adapter.
func NewReorient(bin string, r Runner) *Reorient {
	return &Reorient{newTool(bin, r, "fslreorient2std")}
}

// Capability implements Adapter.
func (o *Reorient) Capability() Capability { return CapReorient }

// Invoke implements Adapter: fslreorient2std -m M X Y
func (o *Reorient) Invoke(ctx context.Context, inv Invocation) error {
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
	mat, err := lookup(inv.Outputs, KeyMatrix)
	if err != nil {
		return err
	}
	_, err = run(ctx, o.runner, o.log, Command{Program: o.bin, Args: []string{"-m", mat, in, out}})
	return err
}

// BET wraps FSL's brain extraction tool.
type BET struct{ tool }

// NewBET returns the bet skull stripper.
func NewBET(bin string, r Runner) *BET {
	return &BET{newTool(bin, r, "bet")}
}

// Capability implements Adapter.
func (b *BET) Capability() Capability { return CapStripSkull }

// Invoke implements Adapter: bet X Y -R [-m]. bet names its mask after the
// output; it is moved to the declared mask path when one is given.
func (b *BET) Invoke(ctx context.Context, inv Invocation) error {
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
	args := []string{in, out, "-R"}
	mask := inv.Outputs[KeyMask]
	if mask != "" {
		args = append(args, "-m")
	}
	if _, err := run(ctx, b.runner, b.log, Command{Program: b.bin, Args: args, Group: true}); err != nil {
		return err
	}
	if mask != "" {
		return renameIfDifferent(naming.TrimNIfTIExt(out)+"_mask.nii.gz", mask)
	}
	return nil
}

// FSLStats counts non-zero voxels with fslstats -V and writes
// "<voxels> <volume_mm3>" to the declared output.
type FSLStats struct{ tool }

// NewFSLStats returns the compute-stats adapter backed by fslstats.
func NewFSLStats(bin string, r Runner) *FSLStats {
	return &FSLStats{newTool(bin, r, "fslstats")}
}

// Capability implements Adapter.
func (s *FSLStats) Capability() Capability { return CapComputeStats }

// Invoke implements Adapter.
func (s *FSLStats) Invoke(ctx context.Context, inv Invocation) error {
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
	res, err := run(ctx, s.runner, s.log, Command{Program: s.bin, Args: []string{in, "-V"}})
	if err != nil {
		return err
	}
	voxels, volume, err := ParseStats(res.Stdout)
	if err != nil {
		return failure.Wrap(failure.CodeExternalToolError, err, "fslstats output").WithDiagnostic(res.Combined)
	}
	return WriteStats(out, voxels, volume)
}

// ParseStats reads the "<voxels> <volume>" pair printed by fslstats -V.
func ParseStats(s string) (int, float64, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("expected voxel count and volume, got %q", strings.TrimSpace(s))
	}
	voxels, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("voxel count: %w", err)
	}
	volume, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("volume: %w", err)
	}
	return int(voxels), volume, nil
}

// WriteStats stores a stats record.
func WriteStats(path string, voxels int, volume float64) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d %.6f\n", voxels, volume)), 0644)
}

// ReadStats loads a record written by a compute-stats adapter.
func ReadStats(path string) (int, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("%s: empty stats file", path)
	}
	return ParseStats(sc.Text())
}
