package pipeline

import (
	"fmt"

	"cavitymap/internal/models"
)

// State points at the artifact the next stage consumes. Stages only move
// it forward: an artifact whose tag does not come strictly after the
// current one is rejected.
type State struct {
	history []models.Artifact
}

// NewState starts a chain at the normalized input.
func NewState(start models.Artifact) *State {
	return &State{history: []models.Artifact{start}}
}

// Current returns the artifact the next stage reads.
func (s *State) Current() models.Artifact {
	return s.history[len(s.history)-1]
}

// Advance makes a the current artifact.
func (s *State) Advance(a models.Artifact) error {
	cur := s.Current()
	if a.Tag <= cur.Tag {
		return fmt.Errorf("artifact %s cannot follow %s", a.Tag, cur.Tag)
	}
	if a.Path == "" {
		return fmt.Errorf("artifact %s has no path", a.Tag)
	}
	s.history = append(s.history, a)
	return nil
}

// History returns every artifact the chain went through, oldest first.
func (s *State) History() []models.Artifact {
	return append([]models.Artifact(nil), s.history...)
}
