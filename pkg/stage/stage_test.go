package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cavitymap/internal/models"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/naming"
	"cavitymap/pkg/nifti"
	"cavitymap/pkg/tools"
)

func subject(t *testing.T) *models.SubjectContext {
	t.Helper()
	s, err := models.NewSubjectContext("sub001_T1w.nii.gz", t.TempDir(), models.ModalityNIfTI, models.SubjectOptions{ScratchRoot: t.TempDir()})
	require.NoError(t, err)
	return s
}

// writer is an adapter that writes a small volume to every output.
type writer struct {
	calls int
	skip  map[string]bool
	raw   []byte
	err   error
}

func (w *writer) Capability() tools.Capability { return tools.CapResample }

func (w *writer) Invoke(ctx context.Context, inv tools.Invocation) error {
	w.calls++
	if w.err != nil {
		for _, p := range inv.Outputs {
			os.WriteFile(p, []byte("half"), 0644)
		}
		return w.err
	}
	for k, p := range inv.Outputs {
		if w.skip[k] {
			continue
		}
		if w.raw != nil {
			if err := os.WriteFile(p, w.raw, 0644); err != nil {
				return err
			}
			continue
		}
		if err := nifti.Write(p, nifti.New([3]int{2, 2, 2}, [3]float64{1, 1, 1}, nifti.DTUint8)); err != nil {
			return err
		}
	}
	return nil
}

func resampleStep(s *models.SubjectContext, a tools.Adapter) Step {
	return Step{
		Name:    "resample",
		Tag:     models.TagResampled,
		Adapter: a,
		Invocation: tools.Invocation{
			Op:      tools.OpIsotropic,
			Outputs: map[string]string{tools.KeyOut: naming.SubjectPath(s, models.TagResampled)},
		},
	}
}

func TestRunIsIdempotent(t *testing.T) {
	s := subject(t)
	w := &writer{}
	var events []Event
	r := NewRunner(s)
	r.OnEvent = func(e Event) { events = append(events, e) }

	first, err := r.Run(context.Background(), resampleStep(s, w))
	require.NoError(t, err)
	second, err := r.Run(context.Background(), resampleStep(s, w))
	require.NoError(t, err)

	assert.Equal(t, 1, w.calls)
	assert.Equal(t, first, second)
	assert.Equal(t, naming.SubjectPath(s, models.TagResampled), first.Path)
	require.Len(t, events, 2)
	assert.Equal(t, StatusExecuted, events[0].Status)
	assert.Equal(t, StatusReused, events[1].Status)

	cached, ok := NewCache(s).Lookup(models.TagResampled)
	assert.True(t, ok)
	assert.Equal(t, first, cached)
}

func TestAdapterFailureLeavesNoArtifact(t *testing.T) {
	s := subject(t)
	w := &writer{err: failure.New(failure.CodeExternalToolError, "flirt crashed")}
	var last Event
	r := NewRunner(s)
	r.OnEvent = func(e Event) { last = e }

	_, err := r.Run(context.Background(), resampleStep(s, w))
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrExternalToolError))
	assert.Equal(t, "resample", failure.StageOf(err))
	assert.Equal(t, StatusFailed, last.Status)

	entries, err := os.ReadDir(s.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "expected neither final nor partial files")

	_, ok := NewCache(s).Lookup(models.TagResampled)
	assert.False(t, ok)
}

func TestMissingOutputIsStageProducedNoOutput(t *testing.T) {
	s := subject(t)
	w := &writer{skip: map[string]bool{tools.KeyOut: true}}
	_, err := NewRunner(s).Run(context.Background(), resampleStep(s, w))
	assert.True(t, errors.Is(err, failure.ErrStageProducedNoOutput), "got %v", err)
}

func TestUnreadableNIfTIIsRejected(t *testing.T) {
	s := subject(t)
	w := &writer{raw: []byte("not a header at all")}
	_, err := NewRunner(s).Run(context.Background(), resampleStep(s, w))
	assert.True(t, errors.Is(err, failure.ErrStageProducedNoOutput), "got %v", err)
	_, statErr := os.Stat(naming.SubjectPath(s, models.TagResampled))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOptionalOutputMayBeAbsent(t *testing.T) {
	s := subject(t)
	mask := naming.BrainMaskPath(s.BaseName, s.OutputDir)
	w := &writer{skip: map[string]bool{tools.KeyMask: true}}
	step := Step{
		Name:    "skull-strip",
		Tag:     models.TagSkullStripped,
		Adapter: w,
		Invocation: tools.Invocation{Outputs: map[string]string{
			tools.KeyOut:  naming.SubjectPath(s, models.TagSkullStripped),
			tools.KeyMask: mask,
		}},
		Optional: []string{tools.KeyMask},
	}

	r := NewRunner(s)
	_, err := r.Run(context.Background(), step)
	require.NoError(t, err)
	assert.NoFileExists(t, mask)

	_, err = r.Run(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, 1, w.calls, "missing optional output must not force a rerun")
}

func TestPartialFilesStayHidden(t *testing.T) {
	s := subject(t)
	var seen []string
	spy := tools.Func{Cap: tools.CapReorient, Fn: func(ctx context.Context, inv tools.Invocation) error {
		for _, p := range inv.Outputs {
			seen = append(seen, p)
			if err := os.WriteFile(p, []byte("1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n"), 0644); err != nil {
				return err
			}
		}
		return nil
	}}
	mat := naming.SubjectTransformPath(s, models.TransformReorientation)
	_, err := NewRunner(s).Run(context.Background(), Step{
		Name:       "reorient-matrix",
		Adapter:    spy,
		Invocation: tools.Invocation{Outputs: map[string]string{tools.KeyMatrix: mat}},
		Primary:    tools.KeyMatrix,
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.True(t, naming.IsPartial(seen[0]))
	assert.True(t, strings.HasSuffix(seen[0], filepath.Base(mat)))
	assert.FileExists(t, mat)
	assert.NoFileExists(t, seen[0])
}
