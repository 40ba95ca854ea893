// Package manifest keeps the per-run record of what each stage did. The
// record is rewritten atomically after every stage so that an interrupted
// run still leaves an accurate account behind.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"cavitymap/internal/models"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/stage"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Entry is one stage outcome.
type Entry struct {
	Step       string   `json:"step"`
	Tag        string   `json:"tag,omitempty"`
	Status     string   `json:"status"`
	Outputs    []string `json:"outputs,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Code       string   `json:"code,omitempty"`
	Error      string   `json:"error,omitempty"`
	Diagnostic string   `json:"diagnostic,omitempty"`
}

// Manifest is the persisted run record.
type Manifest struct {
	mu     sync.Mutex
	saveMu sync.Mutex
	path   string

	RunID        string     `json:"run_id"`
	BaseName     string     `json:"base_name"`
	Input        string     `json:"input"`
	Modality     string     `json:"modality"`
	Quality      string     `json:"quality"`
	OutputFormat string     `json:"output_format"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	FailedStage  string     `json:"failed_stage,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	Entries      []Entry    `json:"entries"`
}

// New starts the record of a run; path is where Save writes.
func New(s *models.SubjectContext, path string) *Manifest {
	return &Manifest{
		path:         path,
		RunID:        s.RunID,
		BaseName:     s.BaseName,
		Input:        s.InputPath,
		Modality:     string(s.Modality),
		Quality:      s.Quality.String(),
		OutputFormat: string(s.OutputFormat),
		StartedAt:    time.Now().UTC(),
		Status:       StatusRunning,
	}
}

// Record appends a stage event and persists the manifest. It is safe for
// concurrent use and is meant to be installed as stage.Runner.OnEvent.
func (m *Manifest) Record(e stage.Event) {
	entry := Entry{
		Step:       e.Step,
		Status:     string(e.Status),
		Outputs:    e.Outputs,
		DurationMS: e.Duration.Milliseconds(),
	}
	if e.Tag != 0 {
		entry.Tag = e.Tag.String()
	}
	if e.Err != nil {
		entry.Code = string(failure.CodeOf(e.Err))
		entry.Error = e.Err.Error()
		entry.Diagnostic = failure.DiagnosticOf(e.Err)
	}

	m.mu.Lock()
	m.Entries = append(m.Entries, entry)
	m.mu.Unlock()
	m.Save()
}

// Warn notes a non-fatal condition.
func (m *Manifest) Warn(code failure.Code, msg string) {
	m.mu.Lock()
	m.Warnings = append(m.Warnings, fmt.Sprintf("%s: %s", code, msg))
	m.mu.Unlock()
}

// SetModality records the resolved input modality.
func (m *Manifest) SetModality(modality models.Modality) {
	m.mu.Lock()
	m.Modality = string(modality)
	m.mu.Unlock()
}

// Finish closes the record with the run outcome.
func (m *Manifest) Finish(err error) error {
	now := time.Now().UTC()
	m.mu.Lock()
	m.FinishedAt = &now
	if err != nil {
		m.Status = StatusFailed
		m.FailedStage = failure.StageOf(err)
	} else {
		m.Status = StatusSucceeded
	}
	m.mu.Unlock()
	return m.Save()
}

// Save writes the manifest atomically. A manifest built without a path is
// kept in memory only.
func (m *Manifest) Save() error {
	if m.path == "" {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}

// Load reads a saved manifest.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manifest{path: path}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Snapshot returns a copy of the entries recorded so far.
func (m *Manifest) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.Entries...)
}

// WriteTable renders the per-stage summary.
func (m *Manifest) WriteTable(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle(fmt.Sprintf("%s  run %s", m.BaseName, shortID(m.RunID)))
	tw.AppendHeader(table.Row{"#", "Step", "Artifact", "Status", "Time"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	var total time.Duration
	for i, e := range m.Snapshot() {
		d := time.Duration(e.DurationMS) * time.Millisecond
		total += d
		status := e.Status
		if e.Code != "" {
			status += " (" + e.Code + ")"
		}
		tw.AppendRow(table.Row{i + 1, e.Step, e.Tag, status, d.Round(time.Millisecond).String()})
	}
	tw.AppendFooter(table.Row{"", "", "", m.Status, total.Round(time.Millisecond).String()})
	tw.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
