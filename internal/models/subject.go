package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Modality is the detected kind of pipeline input
type Modality string

const (
	// ModalityNIfTI is a single .nii or .nii.gz volume
	ModalityNIfTI Modality = "nifti"

	// ModalityDICOMFolder is a directory of DICOM slices
	ModalityDICOMFolder Modality = "dicom-folder"

	// ModalityZipDICOM is a zip archive holding DICOM slices
	ModalityZipDICOM Modality = "zip-dicom"
)

// Quality selects the segmentation configuration.
// It is fixed at run start and consulted only by the segmentation adapter.
type Quality int

const (
	// QualityLow runs the reduced-fold fast configuration
	QualityLow Quality = 0

	// QualityHigh runs the full-fold configuration
	QualityHigh Quality = 1
)

// ParseQuality accepts 0 or 1.
func ParseQuality(v int) (Quality, error) {
	switch Quality(v) {
	case QualityLow, QualityHigh:
		return Quality(v), nil
	}
	return QualityHigh, fmt.Errorf("quality must be 0 or 1, got %d", v)
}

func (q Quality) String() string {
	if q == QualityLow {
		return "low"
	}
	return "high"
}

// OutputFormat is the container of the exported native-space mask
type OutputFormat string

const (
	// OutputNIfTI exports res_cavity.nii.gz
	OutputNIfTI OutputFormat = "n"

	// OutputDICOM exports a res_cavity DICOM folder
	OutputDICOM OutputFormat = "d"
)

// ParseOutputFormat accepts "n" or "d".
func ParseOutputFormat(v string) (OutputFormat, error) {
	switch OutputFormat(v) {
	case OutputNIfTI, OutputDICOM:
		return OutputFormat(v), nil
	}
	return OutputNIfTI, fmt.Errorf("output extension must be n or d, got %q", v)
}

// SubjectContext identifies one processing run.
// It is created once by NewSubjectContext and never mutated afterwards;
// stages receive it by pointer and read from it only.
type SubjectContext struct {
	// BaseName prefixes every artifact of the run (e.g. "sub001")
	BaseName string

	// OutputDir is exclusively owned by this run
	OutputDir string

	// InputPath is the original input as given by the operator
	InputPath string

	// Modality is the detected input kind
	Modality Modality

	// Quality is the segmentation quality policy
	Quality Quality

	// PreferGPU is a hint to the segmentation tool; CPU is used when no GPU is found
	PreferGPU bool

	// OutputFormat selects NIfTI or DICOM export of the final mask
	OutputFormat OutputFormat

	// Zip packages the export folder into an archive
	Zip bool

	// RunID distinguishes concurrent runs on the same host
	RunID string

	// ScratchDir is private to this run and may leak on failure
	ScratchDir string
}

// SubjectOptions are the operator choices that shape a SubjectContext.
type SubjectOptions struct {
	Quality      Quality
	PreferGPU    bool
	OutputFormat OutputFormat
	Zip          bool

	// ScratchRoot is where the per-run scratch directory is placed.
	// Defaults to os.TempDir().
	ScratchRoot string
}

// NewSubjectContext derives the run identity from the input path and
// creates the output directory if absent.
func NewSubjectContext(inputPath, outputDir string, modality Modality, opts SubjectOptions) (*SubjectContext, error) {
	if inputPath == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if outputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	absOut, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("resolving output directory: %w", err)
	}
	if err := os.MkdirAll(absOut, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	format := opts.OutputFormat
	if format == "" {
		format = OutputNIfTI
	}

	root := opts.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	runID := uuid.NewString()

	return &SubjectContext{
		BaseName:     DeriveBaseName(inputPath),
		OutputDir:    absOut,
		InputPath:    inputPath,
		Modality:     modality,
		Quality:      opts.Quality,
		PreferGPU:    opts.PreferGPU,
		OutputFormat: format,
		Zip:          opts.Zip,
		RunID:        runID,
		ScratchDir:   filepath.Join(root, fmt.Sprintf("cavitymap-%d-%s", os.Getpid(), runID[:8])),
	}, nil
}

// DeriveBaseName strips the container extension from the input name and
// keeps the subject identifier before the first underscore, so
// "sub001_T1wCE.nii.gz" becomes "sub001".
func DeriveBaseName(inputPath string) string {
	name := filepath.Base(filepath.Clean(inputPath))
	lower := strings.ToLower(name)
	for _, ext := range []string{".nii.gz", ".nii", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	if i := strings.Index(name, "_"); i > 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "subject"
	}
	return name
}
