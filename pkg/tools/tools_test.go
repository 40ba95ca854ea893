package tools

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cavitymap/pkg/config"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/nifti"
	"cavitymap/pkg/transform"
)

// fakeRunner records commands and answers through fn.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Command
	fn    func(Command) (*Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, c Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(c)
	}
	return &Result{}, nil
}

func (f *fakeRunner) programs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Program
	}
	return out
}

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	return path
}

func TestFLIRTCommandLines(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "sub_converted.nii.gz"))
	ref := touch(t, filepath.Join(dir, "mni.nii.gz"))
	mat := touch(t, filepath.Join(dir, "sub_MNI_inverse.mat"))
	out := filepath.Join(dir, "out.nii.gz")

	r := &fakeRunner{}
	f := NewFLIRT("flirt", r, CapRegister)

	require.NoError(t, f.Invoke(context.Background(), Invocation{
		Op:      OpIsotropic,
		Inputs:  map[string]string{KeyIn: in},
		Outputs: map[string]string{KeyOut: out},
		Params:  map[string]string{ParamVoxelSize: "1"},
	}))
	require.NoError(t, f.Invoke(context.Background(), Invocation{
		Op:      OpApply,
		Inputs:  map[string]string{KeyIn: in, KeyRef: ref, KeyMatrix: mat},
		Outputs: map[string]string{KeyOut: out},
	}))

	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"-in", in, "-ref", in, "-out", out, "-applyisoxfm", "1", "-interp", "trilinear"}, r.calls[0].Args)
	assert.Equal(t, []string{"-in", in, "-ref", ref, "-out", out, "-applyxfm", "-init", mat, "-interp", "nearestneighbour"}, r.calls[1].Args)
}

func TestMissingInputSkipsLaunch(t *testing.T) {
	r := &fakeRunner{}
	err := NewReorient("fslreorient2std", r).Invoke(context.Background(), Invocation{
		Inputs:  map[string]string{KeyIn: filepath.Join(t.TempDir(), "absent.nii.gz")},
		Outputs: map[string]string{KeyOut: "x", KeyMatrix: "y"},
	})
	assert.True(t, errors.Is(err, failure.ErrMissingInput), "got %v", err)
	assert.Empty(t, r.calls)
}

func TestNonZeroExitCarriesDiagnostic(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "in.nii.gz"))
	r := &fakeRunner{fn: func(Command) (*Result, error) {
		return &Result{Combined: "ERROR: could not open image\n", ExitCode: 1}, errors.New("exit status 1")
	}}

	err := NewBET("bet", r).Invoke(context.Background(), Invocation{
		Inputs:  map[string]string{KeyIn: in},
		Outputs: map[string]string{KeyOut: filepath.Join(dir, "out.nii.gz")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrExternalToolError))
	assert.Equal(t, "ERROR: could not open image", failure.DiagnosticOf(err))
}

func TestBETMovesMaskToDeclaredPath(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "in.nii.gz"))
	out := filepath.Join(dir, ".partial-1-sub_sk.nii.gz")
	mask := filepath.Join(dir, "declared_mask.nii.gz")

	r := &fakeRunner{fn: func(c Command) (*Result, error) {
		touch(t, c.Args[1])
		touch(t, filepath.Join(dir, ".partial-1-sub_sk_mask.nii.gz"))
		return &Result{}, nil
	}}
	require.NoError(t, NewBET("bet", r).Invoke(context.Background(), Invocation{
		Inputs:  map[string]string{KeyIn: in},
		Outputs: map[string]string{KeyOut: out, KeyMask: mask},
	}))
	assert.Equal(t, []string{in, out, "-R", "-m"}, r.calls[0].Args)
	assert.FileExists(t, mask)
}

func nnunetFixture(t *testing.T, gpuOK bool) (*NNUNet, *fakeRunner, Invocation) {
	t.Helper()
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "sub_MNI.nii.gz"))
	out := filepath.Join(dir, "sub_surgical_mask.nii.gz")
	scratch := filepath.Join(dir, "scratch")

	r := &fakeRunner{}
	r.fn = func(c Command) (*Result, error) {
		switch c.Program {
		case "nvidia-smi":
			if !gpuOK {
				return &Result{ExitCode: 9}, errors.New("exit status 9")
			}
			return &Result{}, nil
		case "nnUNetv2_predict":
			touch(t, filepath.Join(scratch, "nnunet_out", "sub.nii.gz"))
		}
		return &Result{}, nil
	}
	cfg := config.DefaultConfig()
	n := NewNNUNet("nnUNetv2_predict", r, NNUNetSettings{
		Dataset:       cfg.Segmentation.Dataset,
		Configuration: cfg.Segmentation.Configuration,
		Trainer:       cfg.Segmentation.Trainer,
		Plans:         cfg.Segmentation.Plans,
		LowFolds:      cfg.Segmentation.LowQualityFolds,
		HighFolds:     cfg.Segmentation.HighQualityFolds,
	}, NewGPUCheck([]string{"nvidia-smi", "-L"}, r))

	inv := Invocation{
		Inputs:  map[string]string{KeyIn: in},
		Outputs: map[string]string{KeyOut: out},
		Params:  map[string]string{ParamScratch: scratch, ParamCase: "sub", ParamQuality: "high", ParamPreferGPU: "true"},
	}
	return n, r, inv
}

func lastArgs(r *fakeRunner) []string {
	return r.calls[len(r.calls)-1].Args
}

func argAfter(args []string, flag string) []string {
	for i, a := range args {
		if a == flag {
			var vals []string
			for _, v := range args[i+1:] {
				if len(v) > 0 && v[0] == '-' {
					break
				}
				vals = append(vals, v)
			}
			return vals
		}
	}
	return nil
}

func TestNNUNetUsesGPUWhenPreferredAndAvailable(t *testing.T) {
	n, r, inv := nnunetFixture(t, true)
	require.NoError(t, n.Invoke(context.Background(), inv))

	assert.Equal(t, []string{"nvidia-smi", "nnUNetv2_predict"}, r.programs())
	assert.Equal(t, []string{DeviceCUDA}, argAfter(lastArgs(r), "-device"))
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, argAfter(lastArgs(r), "-f"))
	assert.FileExists(t, inv.Outputs[KeyOut])
	assert.FileExists(t, filepath.Join(inv.Params[ParamScratch], "nnunet_in", "sub_0000.nii.gz"))
}

func TestNNUNetFallsBackToCPU(t *testing.T) {
	n, r, inv := nnunetFixture(t, false)
	require.NoError(t, n.Invoke(context.Background(), inv))
	assert.Equal(t, []string{DeviceCPU}, argAfter(lastArgs(r), "-device"))
}

func TestNNUNetNoGPUPreferenceSkipsCheck(t *testing.T) {
	n, r, inv := nnunetFixture(t, true)
	inv.Params[ParamPreferGPU] = "false"
	inv.Params[ParamQuality] = "low"
	require.NoError(t, n.Invoke(context.Background(), inv))

	assert.Equal(t, []string{"nnUNetv2_predict"}, r.programs())
	assert.Equal(t, []string{DeviceCPU}, argAfter(lastArgs(r), "-device"))
	assert.Equal(t, []string{"0"}, argAfter(lastArgs(r), "-f"))
}

func TestNNUNetMissingPrediction(t *testing.T) {
	n, r, inv := nnunetFixture(t, false)
	r.fn = func(Command) (*Result, error) { return &Result{}, nil }
	err := n.Invoke(context.Background(), inv)
	assert.True(t, errors.Is(err, failure.ErrStageProducedNoOutput), "got %v", err)
}

func TestStatsParsing(t *testing.T) {
	voxels, volume, err := ParseStats("1532 1532.000000 \n")
	require.NoError(t, err)
	assert.Equal(t, 1532, voxels)
	assert.InDelta(t, 1532.0, volume, 1e-9)

	_, _, err = ParseStats("")
	assert.Error(t, err)
}

func TestNativeStats(t *testing.T) {
	dir := t.TempDir()
	img := nifti.New([3]int{4, 4, 4}, [3]float64{1, 1, 2}, nifti.DTUint8)
	img.Set(0, 1)
	img.Set(5, 1)
	img.Set(9, 1)
	in := filepath.Join(dir, "mask.nii.gz")
	require.NoError(t, nifti.Write(in, img))

	out := filepath.Join(dir, "stats.txt")
	require.NoError(t, NativeStats().Invoke(context.Background(), Invocation{
		Inputs:  map[string]string{KeyIn: in},
		Outputs: map[string]string{KeyOut: out},
	}))
	voxels, volume, err := ReadStats(out)
	require.NoError(t, err)
	assert.Equal(t, 3, voxels)
	assert.InDelta(t, 6.0, volume, 1e-6)
}

func TestInvertTransformSingular(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sub_MNI.mat")
	require.NoError(t, transform.Write(src, transform.FromRows([4][4]float64{
		{1, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1},
	})))

	err := InvertTransform().Invoke(context.Background(), Invocation{
		Inputs:  map[string]string{KeyMatrix: src},
		Outputs: map[string]string{KeyMatrix: filepath.Join(dir, "sub_MNI_inverse.mat")},
	})
	assert.True(t, errors.Is(err, failure.ErrSingularTransform), "got %v", err)
	assert.NoFileExists(t, filepath.Join(dir, "sub_MNI_inverse.mat"))
}

func TestCopyGeometryAdapter(t *testing.T) {
	dir := t.TempDir()
	ref := nifti.New([3]int{6, 6, 4}, [3]float64{0.5, 0.5, 3}, nifti.DTInt16)
	ref.Header.QOffsetZ = 12.5
	ref.Header.SRowZ[3] = 12.5
	refPath := filepath.Join(dir, "orig.nii.gz")
	require.NoError(t, nifti.Write(refPath, ref))

	mask := nifti.New([3]int{6, 6, 4}, [3]float64{0.5, 0.5, 3.0001}, nifti.DTUint8)
	maskPath := filepath.Join(dir, "mask.nii.gz")
	require.NoError(t, nifti.Write(maskPath, mask))

	out := filepath.Join(dir, "final.nii.gz")
	require.NoError(t, CopyGeometry().Invoke(context.Background(), Invocation{
		Inputs:  map[string]string{KeyIn: maskPath, KeyRef: refPath},
		Outputs: map[string]string{KeyOut: out},
	}))
	same, err := nifti.SameGeometry(refPath, out, 0)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestToolboxFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.SkullStripper = config.StripperHDBET
	cfg.Tools.FSLStats = ""
	tb := NewToolbox(cfg, &fakeRunner{})

	strip, err := tb.Get(CapStripSkull)
	require.NoError(t, err)
	assert.IsType(t, &HDBET{}, strip)
	assert.False(t, tb.Has(CapComputeOverlap))
	assert.False(t, tb.Has(CapRenderPlot))

	cfg.Analysis.GMOverlapScript = "gm/overlap.py"
	cfg.Analysis.WMOverlapScript = "wm/overlap.py"
	cfg.Analysis.RadarScript = "radar.py"
	tb = NewToolbox(cfg, &fakeRunner{})
	assert.True(t, tb.Has(CapComputeOverlap))
	assert.True(t, tb.Has(CapRenderPlot))
}

func TestOverlapRunsTissueScripts(t *testing.T) {
	dir := t.TempDir()
	mask := touch(t, filepath.Join(dir, "res_cavity_MNI.nii.gz"))
	cfg := config.DefaultConfig()
	cfg.Analysis.GMOverlapScript = "/maps/gm/calculate_overlap_with_subROIs.py"
	cfg.Analysis.WMOverlapScript = "/maps/wm/calculate_overlap_with_subROIs.py"
	cfg.Analysis.RadarScript = "radar_plot.py"
	r := &fakeRunner{}
	overlap, err := NewToolbox(cfg, r).Get(CapComputeOverlap)
	require.NoError(t, err)

	for _, tc := range []struct {
		op  Op
		csv string
	}{
		{OpGrayMatter, "GM_importance.csv"},
		{OpWhiteMatter, "WM_importance.csv"},
	} {
		require.NoError(t, overlap.Invoke(context.Background(), Invocation{
			Op:      tc.op,
			Inputs:  map[string]string{KeyIn: mask},
			Outputs: map[string]string{KeyOut: filepath.Join(dir, tc.csv)},
		}))
	}

	require.Len(t, r.calls, 2)
	gm, wm := r.calls[0], r.calls[1]
	assert.Equal(t, []string{cfg.Analysis.GMOverlapScript, "-l", mask, "-o", filepath.Join(dir, "GM_importance.csv")}, gm.Args)
	assert.Equal(t, []string{cfg.Analysis.WMOverlapScript, "-l", mask, "-o", filepath.Join(dir, "WM_importance.csv")}, wm.Args)
	assert.NotEqual(t, gm.Args[0], wm.Args[0])

	err = overlap.Invoke(context.Background(), Invocation{
		Inputs:  map[string]string{KeyIn: mask},
		Outputs: map[string]string{KeyOut: filepath.Join(dir, "x.csv")},
	})
	assert.Error(t, err, "an overlap run must name its tissue class")
}

func TestNativeMatchGrid(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "coarse.nii.gz")
	ref := filepath.Join(dir, "fine.nii.gz")
	out := filepath.Join(dir, "out.nii.gz")

	coarse := nifti.New([3]int{4, 4, 4}, [3]float64{2, 2, 2}, nifti.DTUint8)
	coarse.Set(coarse.Index(1, 1, 1), 3)
	require.NoError(t, nifti.Write(in, coarse))
	fine := nifti.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nifti.DTInt16)
	require.NoError(t, nifti.Write(ref, fine))

	err := NativeMatchGrid().Invoke(context.Background(), Invocation{
		Op:      OpMatchGrid,
		Inputs:  map[string]string{KeyIn: in, KeyRef: ref},
		Outputs: map[string]string{KeyOut: out},
	})
	require.NoError(t, err)

	got, err := nifti.Read(out)
	require.NoError(t, err)
	assert.Equal(t, [3]int{8, 8, 8}, got.Header.Dims())
	// voxel 1 of a 2 mm grid covers fine voxels 1 and 2 on each axis
	assert.Equal(t, 8, got.CountNonZero())
	assert.Equal(t, []float64{0, 3}, got.Labels(10))
	same, err := nifti.SameGeometry(ref, out, 0)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestNativeMatchGridQFormReference(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "mask.nii.gz")
	ref := filepath.Join(dir, "orig.nii.gz")
	out := filepath.Join(dir, "out.nii.gz")

	// reference carries only a qform, as written by some scanners
	orig := nifti.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nifti.DTInt16)
	orig.Header.SFormCode = 0
	orig.Header.SRowX, orig.Header.SRowY, orig.Header.SRowZ = [4]float32{}, [4]float32{}, [4]float32{}
	orig.Header.QOffsetX, orig.Header.QOffsetY, orig.Header.QOffsetZ = -5, -5, -5
	require.NoError(t, nifti.Write(ref, orig))

	mask := nifti.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nifti.DTUint8)
	mask.Header.SRowX[3], mask.Header.SRowY[3], mask.Header.SRowZ[3] = -5, -5, -5
	mask.Set(mask.Index(2, 3, 4), 1)
	require.NoError(t, nifti.Write(in, mask))

	require.NoError(t, NativeMatchGrid().Invoke(context.Background(), Invocation{
		Op:      OpMatchGrid,
		Inputs:  map[string]string{KeyIn: in, KeyRef: ref},
		Outputs: map[string]string{KeyOut: out},
	}))

	got, err := nifti.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CountNonZero())
	assert.Equal(t, 1.0, got.Data[got.Index(2, 3, 4)])
}

func TestToolboxNativeFallbacks(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.Resample3D = ""
	tb := NewToolbox(cfg, &fakeRunner{})
	a, err := tb.Get(CapResample)
	require.NoError(t, err)
	d, ok := a.(Dispatch)
	require.True(t, ok)
	assert.IsType(t, Func{}, d.Ops[OpMatchGrid])
	assert.IsType(t, &FLIRT{}, d.Ops[OpIsotropic])
}

func TestDispatchRejectsUnknownOp(t *testing.T) {
	d := Dispatch{Cap: CapResample, Ops: map[Op]Adapter{}}
	assert.Error(t, d.Invoke(context.Background(), Invocation{Op: OpMatchGrid}))
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner()
	res, err := r.Run(context.Background(), Command{
		Program: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2; echo $CAVITY_TEST; exit 3"},
		Env:     map[string]string{"CAVITY_TEST": "env-ok"},
	})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stdout, "env-ok")
	assert.Contains(t, res.Stderr, "err")
	assert.Contains(t, res.Combined, "err")
}

func TestForkingToolsRunAsGroup(t *testing.T) {
	n, r, inv := nnunetFixture(t, false)
	require.NoError(t, n.Invoke(context.Background(), inv))
	last := r.calls[len(r.calls)-1]
	assert.True(t, last.Group, "segmentation should run in its own process group")
}
