package tools

import (
	"fmt"
	"sort"
	"strings"

	"cavitymap/pkg/config"
)

// Toolbox holds one Adapter per capability.
type Toolbox struct {
	adapters map[Capability]Adapter
}

// NewToolbox wires the adapters selected by cfg over runner.
func NewToolbox(cfg *config.Config, r Runner) *Toolbox {
	tb := &Toolbox{adapters: make(map[Capability]Adapter)}
	gpu := NewGPUCheck(cfg.Segmentation.GPUCheck, r)
	flirt := NewFLIRT(cfg.Tools.FLIRT, r, CapRegister)

	tb.Set(NewDCM2NIIX(cfg.Tools.DCM2NIIX, r))
	var matchGrid Adapter = NativeMatchGrid()
	if cfg.Tools.Resample3D != "" {
		matchGrid = NewAFNIResample(cfg.Tools.Resample3D, r)
	}
	tb.Set(Dispatch{Cap: CapResample, Ops: map[Op]Adapter{
		OpIsotropic: NewFLIRT(cfg.Tools.FLIRT, r, CapResample),
		OpMatchGrid: matchGrid,
	}})
	tb.Set(NewReorient(cfg.Tools.Reorient, r))
	if cfg.Tools.SkullStripper == config.StripperHDBET {
		tb.Set(NewHDBET(cfg.Tools.HDBET, r, gpu))
	} else {
		tb.Set(NewBET(cfg.Tools.BET, r))
	}
	tb.Set(Dispatch{Cap: CapRegister, Ops: map[Op]Adapter{
		OpEstimate: flirt,
		OpApply:    flirt,
	}})
	tb.Set(NewNNUNet(cfg.Tools.NNUNet, r, NNUNetSettings{
		Dataset:       cfg.Segmentation.Dataset,
		Configuration: cfg.Segmentation.Configuration,
		Trainer:       cfg.Segmentation.Trainer,
		Plans:         cfg.Segmentation.Plans,
		LowFolds:      cfg.Segmentation.LowQualityFolds,
		HighFolds:     cfg.Segmentation.HighQualityFolds,
	}, gpu))
	if cfg.Tools.FSLStats != "" {
		tb.Set(NewFSLStats(cfg.Tools.FSLStats, r))
	} else {
		tb.Set(NativeStats())
	}
	tb.Set(NewNII2DCM(cfg.Tools.NII2DCM, r))
	tb.Set(InvertTransform())
	tb.Set(CopyGeometry())
	if cfg.AnalysisEnabled() {
		tb.Set(Dispatch{Cap: CapComputeOverlap, Ops: map[Op]Adapter{
			OpGrayMatter:  NewOverlapScript(cfg.Analysis.Python, cfg.Analysis.GMOverlapScript, r),
			OpWhiteMatter: NewOverlapScript(cfg.Analysis.Python, cfg.Analysis.WMOverlapScript, r),
		}})
		tb.Set(NewRadarPlotScript(cfg.Analysis.Python, cfg.Analysis.RadarScript, r))
	}
	return tb
}

// NewEmptyToolbox returns a toolbox with no adapters, for callers that
// assemble their own.
func NewEmptyToolbox() *Toolbox {
	return &Toolbox{adapters: make(map[Capability]Adapter)}
}

// Set registers a under its capability, replacing any previous adapter.
func (t *Toolbox) Set(a Adapter) {
	t.adapters[a.Capability()] = a
}

// Has reports whether c is served.
func (t *Toolbox) Has(c Capability) bool {
	_, ok := t.adapters[c]
	return ok
}

// Get returns the adapter for c.
func (t *Toolbox) Get(c Capability) (Adapter, error) {
	a, ok := t.adapters[c]
	if !ok {
		return nil, fmt.Errorf("no adapter for capability %s", c)
	}
	return a, nil
}

// Capabilities lists the served capabilities in sorted order.
func (t *Toolbox) Capabilities() []string {
	out := make([]string, 0, len(t.adapters))
	for c := range t.adapters {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

func (t *Toolbox) String() string {
	return "toolbox[" + strings.Join(t.Capabilities(), ",") + "]"
}
