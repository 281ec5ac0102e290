// Package narrative drives incremental analysis of entities across an ordered
// corpus. An Engine steps one entity forward to a target position, reusing
// stored checkpoints where it can and consulting the oracle only when a
// Strategy decides the new evidence warrants it.
package narrative

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// SchemaVersion is stamped on states that do not carry their own.
const SchemaVersion = "1"

// State is one versioned snapshot of an entity at a corpus position.
// Strategy-specific fields travel in Details as a JSON document.
type State struct {
	EntityID          string          `json:"entity_id"`
	Position          int             `json:"position"`
	SchemaVersion     string          `json:"schema_version"`
	Summary           string          `json:"summary"`
	Tags              []string        `json:"tags,omitempty"`
	UnresolvedThreads []string        `json:"unresolved_threads,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Details           json.RawMessage `json:"details,omitempty"`
}

// Clone returns a deep copy that shares no slices with s.
func (s State) Clone() State {
	c := s
	c.Tags = slices.Clone(s.Tags)
	c.UnresolvedThreads = slices.Clone(s.UnresolvedThreads)
	c.Details = bytes.Clone(s.Details)
	return c
}

// SameContent reports whether s and o are equal ignoring position and timestamp.
func (s State) SameContent(o State) bool {
	return s.EntityID == o.EntityID &&
		s.SchemaVersion == o.SchemaVersion &&
		s.Summary == o.Summary &&
		slices.Equal(s.Tags, o.Tags) &&
		slices.Equal(s.UnresolvedThreads, o.UnresolvedThreads) &&
		bytes.Equal(s.Details, o.Details)
}

// DecodeDetails unmarshals the strategy-specific fields into v.
func (s State) DecodeDetails(v any) error {
	if len(s.Details) == 0 {
		return fmt.Errorf("state %s@%d has no details", s.EntityID, s.Position)
	}
	return json.Unmarshal(s.Details, v)
}

// WithDetails returns a copy of s carrying v as its details.
func (s State) WithDetails(v any) (State, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return s, fmt.Errorf("encoding details: %w", err)
	}
	c := s.Clone()
	c.Details = raw
	return c, nil
}

// Evidence is the set of new observations about one entity at one position.
// An empty fragment list means nothing happened there.
type Evidence struct {
	Position  int      `json:"position"`
	Fragments []string `json:"fragments"`
}

// Empty reports whether the evidence carries no fragments.
func (e Evidence) Empty() bool {
	return len(e.Fragments) == 0
}

// Key addresses the checkpoint history of one entity.
type Key struct {
	CorpusID     string `json:"corpus_id"`
	AnalysisType string `json:"analysis_type"`
	EntityID     string `json:"entity_id"`
}

func (k Key) String() string {
	return k.CorpusID + "/" + k.AnalysisType + "/" + k.EntityID
}

// Validate checks that every component of the key is set.
func (k Key) Validate() error {
	switch {
	case k.CorpusID == "":
		return fmt.Errorf("corpus id is required")
	case k.AnalysisType == "":
		return fmt.Errorf("analysis type is required")
	case k.EntityID == "":
		return fmt.Errorf("entity id is required")
	}
	return nil
}
