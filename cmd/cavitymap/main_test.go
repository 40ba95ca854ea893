package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cavitymap/pkg/config"
	"cavitymap/pkg/manifest"
	"cavitymap/pkg/naming"
)

func TestUsageErrorsExitTwo(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{"no flags", nil},
		{"missing output", []string{"-i", "sub001.nii.gz"}},
		{"missing input", []string{"-o", dir}},
		{"unknown flag", []string{"-i", "a.nii", "-o", dir, "--fast"}},
		{"bad quality", []string{"-i", "a.nii", "-o", dir, "-q", "2"}},
		{"bad extension", []string{"-i", "a.nii", "-o", dir, "-e", "x"}},
		{"stray argument", []string{"-i", "a.nii", "-o", dir, "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := execute(tt.args, &stdout, &stderr)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr.String(), "Usage:")
		})
	}
}

func TestHelpExitsZero(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitOK, execute([]string{"-h"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "--output_extension")
}

func TestMissingInputFailsWithManifest(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "out")
	cfgPath := filepath.Join(root, "cavitymap.yaml")
	cfg := config.DefaultConfig()
	cfg.Atlas.Template = filepath.Join(root, "mni.nii.gz")
	cfg.Input.ScratchRoot = root
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	var stdout, stderr bytes.Buffer
	code := execute([]string{"-i", filepath.Join(root, "sub009_T1.nii.gz"), "-o", out, "-c", cfgPath}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "MISSING_INPUT")

	saved, err := manifest.Load(naming.ManifestPath("sub009", out))
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, saved.Status)
	assert.Equal(t, "normalize", saved.FailedStage)
}

func TestExplicitConfigMustExist(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := execute([]string{"-i", "a.nii", "-o", dir, "-c", filepath.Join(dir, "absent.yaml")}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cavitymap.yaml")
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, execute([]string{"init-config", path}, &stdout, &stderr))
	assert.FileExists(t, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.StripperBET, cfg.Tools.SkullStripper)

	// an existing file is never overwritten
	require.NoError(t, os.WriteFile(path, []byte("tools: {}\n"), 0644))
	assert.Equal(t, exitFailure, execute([]string{"init-config", path}, &stdout, &stderr))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tools: {}\n", string(data))
}
