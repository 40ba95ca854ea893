package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cavitymap/internal/models"
	"cavitymap/pkg/config"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/normalize"
	"cavitymap/pkg/pipeline"
	"cavitymap/pkg/tools"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks a bad command line; it exits with exitUsage.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

type rootFlags struct {
	input      string
	output     string
	quality    int
	extension  string
	zip        bool
	gpu        bool
	configPath string
	verbose    bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f rootFlags
	cmd := &cobra.Command{
		Use:   "cavitymap -i INPUT -o OUTPUT [flags]",
		Short: "Segment the surgical cavity of a post-operative brain scan",
		Long: "cavitymap converts a post-operative brain scan (NIfTI, DICOM folder or zipped DICOM)\n" +
			"into a surgical-cavity mask on the input grid, plus GM/WM overlap statistics.\n" +
			"Stage outputs are kept in the output folder; a rerun resumes after the last published stage.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usagef("unexpected argument %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, &f, stdout, stderr)
		},
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError{err}
	})

	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "input scan: .nii, .nii.gz, DICOM folder or .zip of DICOM files")
	fl.StringVarP(&f.output, "output", "o", "", "output folder")
	fl.IntVarP(&f.quality, "quality", "q", int(models.QualityHigh), "segmentation quality: 0 fast, 1 high")
	fl.StringVarP(&f.extension, "output_extension", "e", string(models.OutputNIfTI), "final mask format: n NIfTI, d DICOM")
	fl.BoolVarP(&f.zip, "zip", "z", false, "zip the results folder")
	fl.BoolVar(&f.gpu, "gpu", false, "prefer the GPU when one is available")
	fl.StringVarP(&f.configPath, "config", "c", config.DefaultPath, "configuration file")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging and streamed tool output")

	cmd.AddCommand(newInitConfigCmd(stdout))
	return cmd
}

func newInitConfigCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Default configuration written to %s\n", path)
			return nil
		},
	}
}

func runPipeline(cmd *cobra.Command, f *rootFlags, stdout, stderr io.Writer) error {
	if f.input == "" || f.output == "" {
		return usagef("both -i/--input and -o/--output are required")
	}
	quality, err := models.ParseQuality(f.quality)
	if err != nil {
		return usageError{err}
	}
	format, err := models.ParseOutputFormat(f.extension)
	if err != nil {
		return usageError{err}
	}

	if cmd.Flags().Changed("config") {
		if _, err := os.Stat(f.configPath); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return err
	}

	verbose := f.verbose || cfg.Output.Verbose
	logging.Init(logging.Level(verbose), "text", stderr)

	// detection errors surface again, with a stage, when the driver runs
	modality, _ := normalize.Detect(f.input)
	s, err := models.NewSubjectContext(f.input, f.output, modality, models.SubjectOptions{
		Quality:      quality,
		PreferGPU:    f.gpu,
		OutputFormat: format,
		Zip:          f.zip,
		ScratchRoot:  cfg.Input.ScratchRoot,
	})
	if err != nil {
		return err
	}

	runner := tools.NewExecRunner()
	if verbose {
		runner.Stream = stderr
	}
	tb := tools.NewToolbox(cfg, runner)

	fmt.Fprintln(stdout, "================================")
	fmt.Fprintln(stdout, "CAVITYMAP: POST-OPERATIVE CAVITY SEGMENTATION")
	fmt.Fprintf(stdout, "Subject %s, run %s\n", s.BaseName, s.RunID)
	fmt.Fprintln(stdout, "================================")

	start := time.Now()
	rep, err := pipeline.NewDriver(cfg, tb).Run(cmd.Context(), s)
	if rep != nil {
		fmt.Fprintln(stdout)
		rep.WriteTable(stdout)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\nCompleted in %.2f seconds. Results in %s\n", time.Since(start).Seconds(), s.OutputDir)
	return nil
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, cmd.UsageString())
		return exitUsage
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}
