// Package normalize turns whatever the operator supplied (a NIfTI volume, a
// folder of DICOM slices or a zip of them) into a single NIfTI volume the
// forward pipeline can start from.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"cavitymap/internal/models"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/naming"
	"cavitymap/pkg/stage"
	"cavitymap/pkg/tools"
)

// KeySidecar is the output key of the converter's JSON metadata.
const KeySidecar = "sidecar"

// Normalizer resolves the pipeline input to a NIfTI path.
type Normalizer struct {
	converter tools.Adapter
	stages    *stage.Runner

	// Strict fails the run when an archive holds no DICOM files
	Strict bool

	// Warn, if set, records non-fatal conditions such as an ambiguous
	// conversion in the run manifest
	Warn func(code failure.Code, msg string)

	log *slog.Logger
}

// New returns a Normalizer that converts with converter and publishes
// through stages.
func New(converter tools.Adapter, stages *stage.Runner, strict bool) *Normalizer {
	return &Normalizer{
		converter: converter,
		stages:    stages,
		Strict:    strict,
		log:       logging.New("normalize"),
	}
}

// Normalize returns the NIfTI volume to process and the resolved modality.
// A zip input resolves to dicom-folder once extracted.
func (n *Normalizer) Normalize(ctx context.Context, s *models.SubjectContext, input string) (string, models.Modality, error) {
	modality, err := Detect(input)
	if err != nil {
		return "", "", err
	}
	n.log.Info("input detected", "path", input, "modality", modality)

	if modality == models.ModalityNIfTI {
		abs, err := filepath.Abs(input)
		if err != nil {
			return "", "", err
		}
		return abs, modality, nil
	}

	// a published conversion makes extraction and scanning unnecessary
	cache := stage.NewCache(s)
	dir := input
	if _, ok := cache.Lookup(models.TagConverted); !ok {
		if modality == models.ModalityZipDICOM {
			dir = filepath.Join(s.ScratchDir, "dicom")
			count, err := Extract(input, dir)
			if err != nil {
				return "", "", failure.Wrap(failure.CodeUnsupportedInputFormat, err, "reading %s", filepath.Base(input))
			}
			n.log.Info("archive extracted", "entries", count, "dir", dir)
		}
		if err := n.checkDICOM(dir, modality); err != nil {
			return "", "", err
		}
	}

	art, err := n.stages.Run(ctx, stage.Step{
		Name:    "convert",
		Tag:     models.TagConverted,
		Adapter: tools.Func{Cap: tools.CapPublishConverted, Fn: n.convert(s)},
		Invocation: tools.Invocation{
			Inputs: map[string]string{tools.KeyDir: dir},
			Outputs: map[string]string{
				tools.KeyOut: cache.Path(models.TagConverted),
				KeySidecar:   naming.SidecarPath(cache.Path(models.TagConverted)),
			},
		},
		Optional: []string{KeySidecar},
	})
	if err != nil {
		return "", "", err
	}
	return art.Path, models.ModalityDICOMFolder, nil
}

func (n *Normalizer) checkDICOM(dir string, modality models.Modality) error {
	files, err := ListDICOM(dir)
	if err != nil {
		return failure.Wrap(failure.CodeMissingInput, err, "scanning %s", dir)
	}
	if len(files) == 0 {
		if n.Strict {
			return failure.New(failure.CodeNoDicomFound, "no .dcm or .dicom files in %s", dir).WithStage("normalize")
		}
		n.log.Warn("no DICOM files found, continuing", "code", failure.CodeNoDicomFound, "dir", dir)
		return nil
	}
	n.log.Info("DICOM files found", "count", len(files), "modality", modality)

	scan, err := ScanSeries(dir)
	if err != nil {
		n.log.Warn("series scan failed", "error", err)
		return nil
	}
	for _, sr := range scan.Series {
		n.log.Info("series", "number", sr.Number, "description", sr.Description, "modality", sr.Modality, "files", sr.Files)
	}
	if len(scan.Series) > 1 {
		n.log.Warn("input holds several series; the converter may produce several volumes", "series", len(scan.Series))
	}
	if scan.Unreadable > 0 {
		n.log.Debug("unparseable DICOM candidates", "count", scan.Unreadable)
	}
	return nil
}

// convert runs the DICOM converter into scratch and moves the first
// resulting volume (and its sidecar) to the declared outputs.
func (n *Normalizer) convert(s *models.SubjectContext) func(context.Context, tools.Invocation) error {
	return func(ctx context.Context, inv tools.Invocation) error {
		outDir := filepath.Join(s.ScratchDir, "nifti")
		if err := os.RemoveAll(outDir); err != nil {
			return err
		}
		err := n.converter.Invoke(ctx, tools.Invocation{
			Inputs:  map[string]string{tools.KeyDir: inv.Inputs[tools.KeyDir]},
			Outputs: map[string]string{tools.KeyDir: outDir},
		})
		if err != nil {
			return err
		}

		volumes, err := listVolumes(outDir)
		if err != nil {
			return err
		}
		if len(volumes) == 0 {
			return failure.New(failure.CodeConversionProducedNoOutput, "converter wrote no volume to %s", outDir)
		}
		chosen := volumes[0]
		if len(volumes) > 1 {
			names := make([]string, len(volumes))
			for i, v := range volumes {
				names[i] = filepath.Base(v)
			}
			n.log.Warn("several converted volumes, using the first",
				"code", failure.CodeAmbiguousConversionResult, "chosen", names[0], "all", names)
			if n.Warn != nil {
				n.Warn(failure.CodeAmbiguousConversionResult,
					fmt.Sprintf("%d converted volumes, using %s", len(names), names[0]))
			}
		}

		if err := tools.MoveFile(chosen, inv.Outputs[tools.KeyOut]); err != nil {
			return err
		}
		sidecar := naming.SidecarPath(chosen)
		if _, err := os.Stat(sidecar); err == nil {
			return tools.MoveFile(sidecar, inv.Outputs[KeySidecar])
		}
		return nil
	}
}

// listVolumes returns the NIfTI files directly under dir, sorted by name.
func listVolumes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && naming.IsNIfTI(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
