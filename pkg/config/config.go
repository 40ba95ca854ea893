// Package config provides configuration loading and management for cavitymap.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"cavitymap/pkg/failure"
)

// DefaultPath is the configuration file picked up from the working directory
// when no -c flag is given.
const DefaultPath = "cavitymap.yaml"

// Skull strippers understood by the toolbox.
const (
	StripperBET   = "bet"
	StripperHDBET = "hd-bet"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters shared by the forward stages
	Processing struct {
		// IsotropicVoxelSize is the target spacing of the resampling stage in mm
		IsotropicVoxelSize float64 `yaml:"isotropicVoxelSize"`

		// RegistrationDOF is the degrees of freedom of the atlas registration
		RegistrationDOF int `yaml:"registrationDof"`
	} `yaml:"processing"`

	// Tools names the external executables. Bare names are resolved on PATH.
	Tools struct {
		DCM2NIIX   string `yaml:"dcm2niix"`
		FLIRT      string `yaml:"flirt"`
		Resample3D string `yaml:"3dresample"`
		Reorient   string `yaml:"fslreorient2std"`
		BET        string `yaml:"bet"`
		HDBET      string `yaml:"hdBet"`
		NNUNet     string `yaml:"nnUNetPredict"`
		FSLStats   string `yaml:"fslstats"`
		NII2DCM    string `yaml:"nii2dcm"`

		// SkullStripper selects the strip-skull variant: "bet" or "hd-bet"
		SkullStripper string `yaml:"skullStripper"`
	} `yaml:"tools"`

	// Atlas parameters
	Atlas struct {
		// Template is the standard-space reference volume; environment
		// variables such as $FSLDIR are expanded on load
		Template string `yaml:"template"`
	} `yaml:"atlas"`

	// Segmentation parameters for the nnU-Net predictor
	Segmentation struct {
		Dataset       string `yaml:"dataset"`
		Configuration string `yaml:"configuration"`
		Trainer       string `yaml:"trainer"`
		Plans         string `yaml:"plans"`

		// LowQualityFolds are the folds used with -q 0
		LowQualityFolds []string `yaml:"lowQualityFolds"`

		// HighQualityFolds are the folds used with -q 1
		HighQualityFolds []string `yaml:"highQualityFolds"`

		// GPUCheck is run to decide whether a preferred GPU is usable
		GPUCheck []string `yaml:"gpuCheck"`
	} `yaml:"segmentation"`

	// Analysis parameters. Overlap and radar plots are skipped when the
	// scripts are not configured.
	Analysis struct {
		Python string `yaml:"python"`

		// GMOverlapScript and WMOverlapScript each read the importance maps
		// of one tissue class, so they must be distinct scripts
		GMOverlapScript string `yaml:"gmOverlapScript"`
		WMOverlapScript string `yaml:"wmOverlapScript"`

		RadarScript string `yaml:"radarScript"`
	} `yaml:"analysis"`

	// Input parameters
	Input struct {
		// StrictDicomScan fails the run when an archive holds no DICOM files
		StrictDicomScan bool `yaml:"strictDicomScan"`

		// ScratchRoot is where per-run scratch directories are created
		ScratchRoot string `yaml:"scratchRoot"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// Snapshots writes QC overlay images next to the exported mask
		Snapshots bool `yaml:"snapshots"`

		// KeepScratch leaves the scratch directory behind on success
		KeepScratch bool `yaml:"keepScratch"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.IsotropicVoxelSize = 1.0
	cfg.Processing.RegistrationDOF = 12

	cfg.Tools.DCM2NIIX = "dcm2niix"
	cfg.Tools.FLIRT = "flirt"
	cfg.Tools.Resample3D = "3dresample"
	cfg.Tools.Reorient = "fslreorient2std"
	cfg.Tools.BET = "bet"
	cfg.Tools.HDBET = "hd-bet"
	cfg.Tools.NNUNet = "nnUNetv2_predict"
	cfg.Tools.FSLStats = "fslstats"
	cfg.Tools.NII2DCM = "nii2dcm"
	cfg.Tools.SkullStripper = StripperBET

	cfg.Atlas.Template = "${FSLDIR}/data/standard/MNI152_T1_1mm_brain.nii.gz"

	cfg.Segmentation.Dataset = "Dataset001_Cavity"
	cfg.Segmentation.Configuration = "3d_fullres"
	cfg.Segmentation.Trainer = "nnUNetTrainer"
	cfg.Segmentation.Plans = "nnUNetPlans"
	cfg.Segmentation.LowQualityFolds = []string{"0"}
	cfg.Segmentation.HighQualityFolds = []string{"0", "1", "2", "3", "4"}
	cfg.Segmentation.GPUCheck = []string{"nvidia-smi", "-L"}

	cfg.Analysis.Python = "python3"

	cfg.Input.StrictDicomScan = true

	cfg.Output.Verbose = false
	cfg.Output.Snapshots = true
	cfg.Output.KeepScratch = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.expand()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, failure.Wrap(failure.CodeInvalidConfig, err, "parsing %s", configPath)
	}
	cfg.expand()

	return cfg, cfg.Validate()
}

// expand resolves environment variables in path-valued settings.
func (c *Config) expand() {
	for _, p := range []*string{
		&c.Atlas.Template,
		&c.Analysis.GMOverlapScript,
		&c.Analysis.WMOverlapScript,
		&c.Analysis.RadarScript,
		&c.Input.ScratchRoot,
	} {
		*p = os.ExpandEnv(*p)
	}
}

// Validate reports the first setting that would make a run impossible.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return failure.New(failure.CodeInvalidConfig, format, args...)
	}

	if c.Processing.IsotropicVoxelSize <= 0 {
		return invalid("processing.isotropicVoxelSize must be positive, got %g", c.Processing.IsotropicVoxelSize)
	}
	switch c.Processing.RegistrationDOF {
	case 6, 7, 9, 12:
	default:
		return invalid("processing.registrationDof must be 6, 7, 9 or 12, got %d", c.Processing.RegistrationDOF)
	}
	switch c.Tools.SkullStripper {
	case StripperBET, StripperHDBET:
	default:
		return invalid("tools.skullStripper must be %q or %q, got %q", StripperBET, StripperHDBET, c.Tools.SkullStripper)
	}
	if strings.TrimSpace(c.Atlas.Template) == "" {
		return invalid("atlas.template is required")
	}
	if len(c.Segmentation.LowQualityFolds) == 0 || len(c.Segmentation.HighQualityFolds) == 0 {
		return invalid("segmentation folds must not be empty")
	}
	a := c.Analysis
	set := 0
	for _, s := range []string{a.GMOverlapScript, a.WMOverlapScript, a.RadarScript} {
		if s != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return invalid("analysis overlap and radar scripts must be set together")
	}
	if set == 3 && a.GMOverlapScript == a.WMOverlapScript {
		return invalid("analysis.gmOverlapScript and analysis.wmOverlapScript are both %q", a.GMOverlapScript)
	}
	return nil
}

// AnalysisEnabled reports whether the overlap and radar scripts are configured.
func (c *Config) AnalysisEnabled() bool {
	a := c.Analysis
	return a.GMOverlapScript != "" && a.WMOverlapScript != "" && a.RadarScript != ""
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
