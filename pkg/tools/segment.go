package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"cavitymap/pkg/failure"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/naming"
)

// Devices passed to GPU-capable tools.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// GPUCheck decides once per process whether a GPU is usable.
type GPUCheck struct {
	command []string
	runner  Runner
	log     *slog.Logger

	once      sync.Once
	available bool
}

// NewGPUCheck returns a check that runs command (e.g. nvidia-smi -L).
// An empty command means no GPU is ever reported.
func NewGPUCheck(command []string, r Runner) *GPUCheck {
	return &GPUCheck{command: command, runner: r, log: logging.New("gpu")}
}

// Available reports whether the check command succeeded.
func (g *GPUCheck) Available(ctx context.Context) bool {
	g.once.Do(func() {
		if len(g.command) == 0 {
			return
		}
		_, err := g.runner.Run(ctx, Command{Program: g.command[0], Args: g.command[1:]})
		g.available = err == nil
		g.log.Debug("gpu check", "available", g.available)
	})
	return g.available
}

// Device resolves the GPU hint: cuda only when preferred and available.
// Falling back to cpu is silent apart from a debug line.
func (g *GPUCheck) Device(ctx context.Context, prefer bool) string {
	if !prefer {
		return DeviceCPU
	}
	if g != nil && g.Available(ctx) {
		return DeviceCUDA
	}
	return DeviceCPU
}

func preferGPU(inv Invocation) bool {
	return inv.Params[ParamPreferGPU] == "true"
}

// NNUNetSettings selects the trained model.
type NNUNetSettings struct {
	Dataset       string
	Configuration string
	Trainer       string
	Plans         string
	LowFolds      []string
	HighFolds     []string
}

// NNUNet wraps nnUNetv2_predict. The predictor reads a folder of
// <case>_0000.nii.gz files, so the input is staged under the scratch
// directory and the prediction moved to the declared output afterwards.
type NNUNet struct {
	tool
	settings NNUNetSettings
	gpu      *GPUCheck
}

// NewNNUNet returns the segment-volume adapter.
func NewNNUNet(bin string, r Runner, s NNUNetSettings, gpu *GPUCheck) *NNUNet {
	return &NNUNet{tool: newTool(bin, r, "nnunet"), settings: s, gpu: gpu}
}

// Capability implements Adapter.
func (n *NNUNet) Capability() Capability { return CapSegment }

// Folds returns the fold list of a quality level ("low" or "high").
func (n *NNUNet) Folds(quality string) []string {
	if quality == "low" {
		return n.settings.LowFolds
	}
	return n.settings.HighFolds
}

// Args builds the predictor command line.
func (n *NNUNet) Args(inDir, outDir, quality, device string) []string {
	args := []string{
		"-i", inDir,
		"-o", outDir,
		"-d", n.settings.Dataset,
		"-c", n.settings.Configuration,
		"-tr", n.settings.Trainer,
		"-p", n.settings.Plans,
		"-f",
	}
	args = append(args, n.Folds(quality)...)
	return append(args, "-device", device)
}

// Invoke implements Adapter.
func (n *NNUNet) Invoke(ctx context.Context, inv Invocation) error {
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
	scratch, err := lookup(inv.Params, ParamScratch)
	if err != nil {
		return err
	}
	caseID := inv.Params[ParamCase]
	if caseID == "" {
		caseID = "case"
	}

	inDir := filepath.Join(scratch, "nnunet_in")
	outDir := filepath.Join(scratch, "nnunet_out")
	for _, d := range []string{inDir, outDir} {
		if err := os.RemoveAll(d); err != nil {
			return err
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	if err := CopyFile(in, filepath.Join(inDir, caseID+"_0000.nii.gz")); err != nil {
		return fmt.Errorf("staging segmentation input: %w", err)
	}

	device := n.gpu.Device(ctx, preferGPU(inv))
	quality := inv.Params[ParamQuality]
	n.log.Info("segmenting", "quality", quality, "folds", n.Folds(quality), "device", device)

	if _, err := run(ctx, n.runner, n.log, Command{Program: n.bin, Args: n.Args(inDir, outDir, quality, device), Group: true}); err != nil {
		return err
	}

	pred := filepath.Join(outDir, caseID+".nii.gz")
	if _, err := os.Stat(pred); err != nil {
		return failure.Wrap(failure.CodeStageProducedNoOutput, err, "predictor wrote no %s", filepath.Base(pred))
	}
	return MoveFile(pred, out)
}

// HDBET wraps the HD-BET deep-learning skull stripper.
type HDBET struct {
	tool
	gpu *GPUCheck
}

// NewHDBET returns the alternative strip-skull adapter.
func NewHDBET(bin string, r Runner, gpu *GPUCheck) *HDBET {
	return &HDBET{tool: newTool(bin, r, "hd-bet"), gpu: gpu}
}

// Capability implements Adapter.
func (h *HDBET) Capability() Capability { return CapStripSkull }

// Invoke implements Adapter: hd-bet -i X -o Y -device D [-mode fast -tta 0]
func (h *HDBET) Invoke(ctx context.Context, inv Invocation) error {
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
	device := h.gpu.Device(ctx, preferGPU(inv))
	args := []string{"-i", in, "-o", out, "-device", device}
	if device == DeviceCPU {
		args = append(args, "-mode", "fast", "-tta", "0")
	}
	if _, err := run(ctx, h.runner, h.log, Command{Program: h.bin, Args: args, Group: true}); err != nil {
		return err
	}
	if mask := inv.Outputs[KeyMask]; mask != "" {
		return renameIfDifferent(naming.TrimNIfTIExt(out)+"_mask.nii.gz", mask)
	}
	return nil
}
