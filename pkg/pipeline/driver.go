// Package pipeline sequences the whole run for one subject: input
// normalization, the forward stages, the empty-segmentation gate, the
// inverse mapping back onto the input grid, export, analysis and packaging.
//
// The run proceeds through these steps:
// 1. Normalizing the input to a single NIfTI volume
// 2. Resampling, reorienting, skull stripping, registering and segmenting
// 3. Checking that the segmentation labelled at least one voxel
// 4. Mapping the segmentation back onto the input grid
// 5. Exporting the final mask, the standard-space mask and the registration matrix
// 6. Computing the GM/WM overlap statistics and radar plots
// 7. Rendering QC snapshots
// 8. Packaging the results folder
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"cavitymap/internal/models"
	"cavitymap/pkg/config"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/manifest"
	"cavitymap/pkg/naming"
	"cavitymap/pkg/normalize"
	"cavitymap/pkg/stage"
	"cavitymap/pkg/tools"
	"cavitymap/pkg/visualization"
)

// keyComparison is the output key of the combined radar plot.
const keyComparison = "comparison"

// snapshotScale is the number of pixels per mm in QC snapshots.
const snapshotScale = 2

// Driver runs the pipeline for one subject.
type Driver struct {
	cfg *config.Config
	tb  *tools.Toolbox
	log *slog.Logger
}

// NewDriver returns a driver that runs the tools in tb.
func NewDriver(cfg *config.Config, tb *tools.Toolbox) *Driver {
	return &Driver{cfg: cfg, tb: tb, log: logging.New("pipeline")}
}

// run is the state of one Driver.Run call.
type run struct {
	s        *models.SubjectContext
	stages   *stage.Runner
	manifest *manifest.Manifest
	report   *Report
}

// Run processes s. The returned report is non-nil even on failure; its
// manifest records how far the run got. A fatal failure is a failure.Error
// naming the stage that failed.
func (d *Driver) Run(ctx context.Context, s *models.SubjectContext) (rep *Report, err error) {
	m := manifest.New(s, naming.ManifestPath(s.BaseName, s.OutputDir))
	r := &run{s: s, stages: stage.NewRunner(s), manifest: m, report: &Report{BaseName: s.BaseName, Manifest: m}}
	r.stages.OnEvent = m.Record

	defer func() {
		if ferr := m.Finish(err); ferr != nil {
			d.log.Warn("manifest not saved", "error", ferr)
		}
		if err != nil {
			d.log.Info("scratch kept for inspection", "dir", s.ScratchDir)
			return
		}
		if !d.cfg.Output.KeepScratch {
			if rerr := os.RemoveAll(s.ScratchDir); rerr != nil {
				d.log.Warn("scratch not removed", "dir", s.ScratchDir, "error", rerr)
			}
		}
	}()

	if err := os.MkdirAll(s.ScratchDir, 0755); err != nil {
		return r.report, r.failed("setup", err)
	}
	d.log.Info("run started", "subject", s.BaseName, "run", s.RunID, "quality", s.Quality, "gpu", s.PreferGPU, "tools", d.tb)

	// Step 1: Normalize the input
	d.log.Info("Step 1: Normalizing input", "input", s.InputPath)
	converter, err := adapterFor(d.tb, tools.CapConvertDICOM)
	if err != nil {
		return r.report, r.failed("normalize", err)
	}
	nz := normalize.New(converter, r.stages, d.cfg.Input.StrictDicomScan)
	nz.Warn = r.manifest.Warn
	input, modality, err := nz.Normalize(ctx, s, s.InputPath)
	if err != nil {
		return r.report, r.failed("normalize", err)
	}
	m.SetModality(modality)
	st := NewState(models.Artifact{Tag: models.TagConverted, Path: input})

	// Step 2: Forward stages
	d.log.Info("Step 2: Running forward stages")
	if err := NewForward(d.cfg, d.tb, r.stages).Run(ctx, s, st); err != nil {
		return r.report, r.failed("forward", err)
	}

	// Step 3: Empty segmentation gate
	d.log.Info("Step 3: Checking segmentation volume")
	empty, err := d.checkVolume(ctx, r, st.Current().Path)
	if err != nil {
		return r.report, r.failed("volume-check", err)
	}

	// Step 4: Inverse mapping
	d.log.Info("Step 4: Mapping mask back to input space")
	if err := NewInverse(d.tb, r.stages).Run(ctx, s, st, input); err != nil {
		return r.report, r.failed("inverse", err)
	}
	final := st.Current().Path

	// Step 5: Export
	d.log.Info("Step 5: Exporting results")
	if err := d.export(ctx, r, final); err != nil {
		return r.report, r.failed("export", err)
	}

	// Step 6: Analysis
	d.log.Info("Step 6: Computing overlap statistics")
	if err := d.analyse(ctx, r); err != nil {
		return r.report, r.failed("analysis", err)
	}

	// Step 7: Snapshots
	if d.cfg.Output.Snapshots {
		d.log.Info("Step 7: Rendering QC snapshots")
		shots, err := visualization.Snapshots(input, final, naming.ExportPath(s.OutputDir, naming.SnapshotDir), snapshotScale)
		if err != nil {
			d.log.Warn("snapshots failed", "error", err)
		}
		r.report.Snapshots = shots
	}

	// Step 8: Packaging
	if s.Zip {
		d.log.Info("Step 8: Packaging results")
		archive := naming.ArchivePath(s.BaseName, s.OutputDir)
		n, err := zipDir(filepath.Join(s.OutputDir, naming.ExportDir), archive)
		if err != nil {
			return r.report, r.failed("package", err)
		}
		d.log.Info("results archived", "path", archive, "files", n)
		r.report.Archive = archive
	}

	if err := r.report.Measure(final); err != nil {
		return r.report, r.failed("report", err)
	}
	r.report.Empty = r.report.Empty || empty
	for _, a := range st.History() {
		d.log.Debug("artifact", "tag", a.Tag, "path", a.Path)
	}
	d.log.Info("run finished", "subject", s.BaseName, "voxels", r.report.Voxels, "volume_mm3", r.report.VolumeMM3)
	return r.report, nil
}

// failed records err in the manifest unless a stage already did, and makes
// sure it names a stage.
func (r *run) failed(step string, err error) error {
	if failure.StageOf(err) != "" {
		return err
	}
	return r.stages.Fail(step, 0, err)
}

// checkVolume counts the labelled voxels of the segmentation. An empty
// segmentation is not fatal: the marker file is written and the run goes
// on with the empty mask.
func (d *Driver) checkVolume(ctx context.Context, r *run, segmentation string) (bool, error) {
	stats, err := adapterFor(d.tb, tools.CapComputeStats)
	if err != nil {
		return false, err
	}
	out := filepath.Join(r.s.ScratchDir, r.s.BaseName+"_segmentation_stats.txt")
	if _, err := r.stages.Run(ctx, stage.Step{
		Name:    "volume-check",
		Adapter: stats,
		Invocation: tools.Invocation{
			Inputs:  map[string]string{tools.KeyIn: segmentation},
			Outputs: map[string]string{tools.KeyOut: out},
		},
	}); err != nil {
		return false, err
	}
	voxels, volume, err := tools.ReadStats(out)
	if err != nil {
		return false, failure.Wrap(failure.CodeStageProducedNoOutput, err, "reading %s", out).WithStage("volume-check")
	}

	marker := naming.ExportPath(r.s.OutputDir, naming.NoSegmentation)
	if voxels > 0 {
		d.log.Info("segmentation volume", "voxels", voxels, "volume_mm3", volume)
		if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
			return false, err
		}
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return true, err
	}
	msg := fmt.Sprintf("segmentation of %s labelled no voxel\n", r.s.BaseName)
	if err := os.WriteFile(marker, []byte(msg), 0644); err != nil {
		return true, err
	}
	d.log.Warn("empty segmentation, continuing with an empty mask", "code", failure.CodeEmptySegmentationResult, "marker", marker)
	r.manifest.Warn(failure.CodeEmptySegmentationResult, "no voxel labelled")
	return true, nil
}

// export publishes the deliverables under results/. Exports are rewritten
// on every run so they always follow the current final mask.
func (d *Driver) export(ctx context.Context, r *run, final string) error {
	s := r.s
	results := filepath.Join(s.OutputDir, naming.ExportDir)
	if err := os.MkdirAll(results, 0755); err != nil {
		return err
	}

	if s.OutputFormat == models.OutputDICOM {
		dicom, err := adapterFor(d.tb, tools.CapExportDICOM)
		if err != nil {
			return err
		}
		dir := naming.ExportPath(s.OutputDir, naming.FinalMaskDICOM)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if _, err := r.stages.Run(ctx, stage.Step{
			Name:    "export-dicom",
			Adapter: dicom,
			Invocation: tools.Invocation{
				Inputs:  map[string]string{tools.KeyIn: final},
				Outputs: map[string]string{tools.KeyDir: dir},
			},
			Primary: tools.KeyDir,
		}); err != nil {
			return err
		}
		r.report.Exports = append(r.report.Exports, dir)
	} else if err := d.publish(ctx, r, "export-mask", final, naming.ExportPath(s.OutputDir, naming.FinalMask)); err != nil {
		return err
	}

	if err := d.publish(ctx, r, "export-standard-mask",
		naming.SubjectPath(s, models.TagSegmented),
		naming.ExportPath(s.OutputDir, naming.StandardSpaceMask)); err != nil {
		return err
	}
	return d.publish(ctx, r, "export-matrix",
		naming.SubjectTransformPath(s, models.TransformRegistration),
		naming.ExportPath(s.OutputDir, naming.RegistrationMatrix))
}

// publish copies src to dst through the stage runner.
func (d *Driver) publish(ctx context.Context, r *run, name, src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	copyFn := func(ctx context.Context, inv tools.Invocation) error {
		return tools.CopyFile(inv.Inputs[tools.KeyIn], inv.Outputs[tools.KeyOut])
	}
	if _, err := r.stages.Run(ctx, stage.Step{
		Name:    name,
		Adapter: tools.Func{Cap: tools.CapExportNIfTI, Fn: copyFn},
		Invocation: tools.Invocation{
			Inputs:  map[string]string{tools.KeyIn: src},
			Outputs: map[string]string{tools.KeyOut: dst},
		},
	}); err != nil {
		return err
	}
	r.report.Exports = append(r.report.Exports, dst)
	return nil
}

// analyse runs the GM and WM overlap computations concurrently on the
// standard-space mask, then renders the radar plots from both tables.
func (d *Driver) analyse(ctx context.Context, r *run) error {
	if !d.tb.Has(tools.CapComputeOverlap) || !d.tb.Has(tools.CapRenderPlot) {
		d.log.Info("analysis scripts not configured, skipping overlap statistics")
		return nil
	}
	overlap, err := adapterFor(d.tb, tools.CapComputeOverlap)
	if err != nil {
		return err
	}
	plot, err := adapterFor(d.tb, tools.CapRenderPlot)
	if err != nil {
		return err
	}

	s := r.s
	mni := naming.ExportPath(s.OutputDir, naming.StandardSpaceMask)
	gm := naming.ExportPath(s.OutputDir, naming.GMImportance)
	wm := naming.ExportPath(s.OutputDir, naming.WMImportance)
	plots := map[string]string{
		keyComparison: naming.ExportPath(s.OutputDir, naming.RadarComparison),
		tools.KeyGM:   naming.ExportPath(s.OutputDir, naming.RadarGM),
		tools.KeyWM:   naming.ExportPath(s.OutputDir, naming.RadarWM),
	}
	for _, p := range append([]string{gm, wm}, plots[keyComparison], plots[tools.KeyGM], plots[tools.KeyWM]) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	tissues := []struct {
		name string
		csv  string
		op   tools.Op
	}{
		{"overlap-gm", gm, tools.OpGrayMatter},
		{"overlap-wm", wm, tools.OpWhiteMatter},
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tissues {
		t := t
		g.Go(func() error {
			_, err := r.stages.Run(gctx, stage.Step{
				Name:    t.name,
				Adapter: overlap,
				Invocation: tools.Invocation{
					Op:      t.op,
					Inputs:  map[string]string{tools.KeyIn: mni},
					Outputs: map[string]string{tools.KeyOut: t.csv},
				},
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	scratch := filepath.Join(s.ScratchDir, "radar")
	render := func(ctx context.Context, inv tools.Invocation) error {
		if err := os.RemoveAll(scratch); err != nil {
			return err
		}
		if err := plot.Invoke(ctx, tools.Invocation{
			Inputs:  inv.Inputs,
			Outputs: map[string]string{tools.KeyDir: scratch},
		}); err != nil {
			return err
		}
		for key, name := range map[string]string{
			keyComparison: naming.RadarComparison,
			tools.KeyGM:   naming.RadarGM,
			tools.KeyWM:   naming.RadarWM,
		} {
			if err := tools.MoveFile(filepath.Join(scratch, name), inv.Outputs[key]); err != nil {
				return failure.Wrap(failure.CodeStageProducedNoOutput, err, "plot %s", name)
			}
		}
		return nil
	}
	if _, err := r.stages.Run(ctx, stage.Step{
		Name:    "radar-plot",
		Adapter: tools.Func{Cap: tools.CapRenderPlot, Fn: render},
		Invocation: tools.Invocation{
			Inputs:  map[string]string{tools.KeyGM: gm, tools.KeyWM: wm},
			Outputs: plots,
		},
		Primary: keyComparison,
	}); err != nil {
		return err
	}
	r.report.Analysis = true
	return nil
}
