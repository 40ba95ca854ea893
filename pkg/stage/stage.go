// Package stage makes every pipeline step idempotent. A step whose declared
// outputs already exist and are valid is skipped; otherwise the adapter
// writes to temporary paths next to the final ones, the outputs are checked,
// and only then renamed into place. A killed or failed run therefore never
// leaves a half-written artifact under a canonical name, and rerunning the
// pipeline resumes after the last published stage.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"cavitymap/internal/models"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/naming"
	"cavitymap/pkg/nifti"
	"cavitymap/pkg/tools"
)

// Status is the outcome of one step.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusReused   Status = "reused"
	StatusFailed   Status = "failed"
)

// Event reports a finished step to observers.
type Event struct {
	Step     string
	Tag      models.StageTag
	Status   Status
	Outputs  []string
	Duration time.Duration
	Err      error
}

// Step describes one wrapped adapter call.
type Step struct {
	// Name identifies the step in logs, events and errors
	Name string

	// Tag is the stage artifact this step produces; zero for steps that
	// only produce transform matrices
	Tag models.StageTag

	Adapter    tools.Adapter
	Invocation tools.Invocation

	// Optional lists output keys that may legitimately be absent
	Optional []string

	// Primary is the output key returned as the artifact path; defaults to tools.KeyOut
	Primary string
}

// Cache answers whether a stage artifact is already published.
// It is keyed on (base name, stage tag) through the naming scheme.
type Cache struct {
	base string
	dir  string
}

// NewCache returns the cache of a subject's output directory.
func NewCache(s *models.SubjectContext) *Cache {
	return &Cache{base: s.BaseName, dir: s.OutputDir}
}

// Path is the canonical path of tag.
func (c *Cache) Path(tag models.StageTag) string {
	return naming.PathFor(c.base, c.dir, tag)
}

// Lookup returns the published artifact for tag, if present and valid.
func (c *Cache) Lookup(tag models.StageTag) (models.Artifact, bool) {
	p := c.Path(tag)
	if Validate(p) != nil {
		return models.Artifact{}, false
	}
	return models.Artifact{Tag: tag, Path: p}, true
}

// Runner executes steps for one run.
type Runner struct {
	runID string
	log   *slog.Logger

	// OnEvent, if set, is called after every step
	OnEvent func(Event)
}

// NewRunner returns a Runner for subject's run.
func NewRunner(s *models.SubjectContext) *Runner {
	return &Runner{runID: s.RunID, log: logging.New("stage")}
}

// Run executes step unless its outputs are already published.
func (r *Runner) Run(ctx context.Context, step Step) (models.Artifact, error) {
	start := time.Now()
	outputs := step.Invocation.Outputs
	if len(outputs) == 0 {
		return models.Artifact{}, fmt.Errorf("stage %s declares no outputs", step.Name)
	}
	primary := step.Primary
	if primary == "" {
		primary = tools.KeyOut
	}
	artifact := models.Artifact{Tag: step.Tag, Path: outputs[primary]}

	optional := make(map[string]bool, len(step.Optional))
	for _, k := range step.Optional {
		optional[k] = true
	}
	keys := sortedKeys(outputs)

	if r.published(outputs, keys, optional) {
		r.log.Info("reusing", "step", step.Name, "path", artifact.Path)
		r.emit(Event{Step: step.Name, Tag: step.Tag, Status: StatusReused, Outputs: values(outputs, keys), Duration: time.Since(start)})
		return artifact, nil
	}

	partial := make(map[string]string, len(outputs))
	for _, k := range keys {
		partial[k] = naming.PartialPathFor(outputs[k], r.runID)
		os.RemoveAll(partial[k])
	}
	inv := step.Invocation
	inv.Outputs = partial

	r.log.Info("running", "step", step.Name)
	if err := step.Adapter.Invoke(ctx, inv); err != nil {
		return artifact, r.fail(step, start, partial, failure.InStage(err, step.Name))
	}

	for _, k := range keys {
		if err := Validate(partial[k]); err != nil {
			if optional[k] && os.IsNotExist(err) {
				continue
			}
			return artifact, r.fail(step, start, partial, failure.Wrap(failure.CodeStageProducedNoOutput, err,
				"output %q", k).WithStage(step.Name))
		}
	}

	for _, k := range keys {
		if _, err := os.Stat(partial[k]); os.IsNotExist(err) && optional[k] {
			continue
		}
		if err := os.Rename(partial[k], outputs[k]); err != nil {
			return artifact, r.fail(step, start, partial, failure.InStage(fmt.Errorf("publishing %s: %w", outputs[k], err), step.Name))
		}
	}

	d := time.Since(start)
	r.log.Info("published", "step", step.Name, "path", artifact.Path, "took", d.Round(time.Millisecond))
	r.emit(Event{Step: step.Name, Tag: step.Tag, Status: StatusExecuted, Outputs: values(outputs, keys), Duration: d})
	return artifact, nil
}

// Fail records a failure that happened outside Run, so observers see every
// failing stage the same way.
func (r *Runner) Fail(name string, tag models.StageTag, err error) error {
	err = failure.InStage(err, name)
	r.emit(Event{Step: name, Tag: tag, Status: StatusFailed, Err: err})
	return err
}

func (r *Runner) published(outputs map[string]string, keys []string, optional map[string]bool) bool {
	for _, k := range keys {
		if optional[k] {
			continue
		}
		if Validate(outputs[k]) != nil {
			return false
		}
	}
	return true
}

func (r *Runner) fail(step Step, start time.Time, partial map[string]string, err error) error {
	for _, p := range partial {
		os.RemoveAll(p)
	}
	r.log.Error("stage failed", "step", step.Name, "error", err)
	r.emit(Event{Step: step.Name, Tag: step.Tag, Status: StatusFailed, Duration: time.Since(start), Err: err})
	return err
}

func (r *Runner) emit(e Event) {
	if r.OnEvent != nil {
		r.OnEvent(e)
	}
}

// Validate checks that path holds a usable artifact: a non-empty file, a
// non-empty directory, and for NIfTI files a parseable header.
func Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("%s: empty directory", path)
		}
		return nil
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: empty file", path)
	}
	if naming.IsNIfTI(path) {
		if err := nifti.Check(path); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func values(m map[string]string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
