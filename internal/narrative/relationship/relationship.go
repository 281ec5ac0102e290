// Package relationship implements the narrative strategy that tracks how the
// relationship between two characters evolves.
package relationship

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/narrative"
)

const (
	// Type is the analysis type relationship checkpoints are stored under.
	Type = "relationship"
	// PromptVersion identifies the current prompt template.
	PromptVersion = "relationship/v2"

	DefaultLanguage = "Chinese (Simplified)"

	initialSummary = "Initial state. No interactions yet."
)

// Details are the relationship-specific fields of a narrative.State.
type Details struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Trust     int    `json:"trust_level"`
	Romance   int    `json:"romance_level"`
	Conflict  int    `json:"conflict_level"`
	Archetype string `json:"dominant_archetype"`
	Stage     string `json:"current_stage"`
}

// Decode extracts Details from a state.
func Decode(s narrative.State) (Details, error) {
	var d Details
	if err := s.DecodeDetails(&d); err != nil {
		return Details{}, fmt.Errorf("decoding relationship details: %w", err)
	}
	return d, nil
}

// Strategy evolves relationship states. It is stateless after construction
// and safe for concurrent use.
type Strategy struct {
	language string
	schema   *gojsonschema.Schema
}

var _ narrative.Strategy = (*Strategy)(nil)

// New returns a Strategy whose prompts ask for output in language. An empty
// language selects DefaultLanguage.
func New(language string) *Strategy {
	if language == "" {
		language = DefaultLanguage
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(responseSchema))
	if err != nil {
		panic(fmt.Sprintf("compiling relationship response schema: %v", err))
	}
	return &Strategy{language: language, schema: schema}
}

func (s *Strategy) Type() string { return Type }

// PromptVersion includes the output language so changing it invalidates cached responses.
func (s *Strategy) PromptVersion() string {
	return PromptVersion + "+" + s.language
}

// InitialState returns the neutral starting point of a pair. entityID must be
// a pair id as produced by corpus.Normalizer.PairID.
func (s *Strategy) InitialState(entityID string) (narrative.State, bool) {
	source, target, ok := corpus.SplitPair(entityID)
	if !ok {
		return narrative.State{}, false
	}
	state := narrative.State{
		EntityID:      entityID,
		Position:      0,
		SchemaVersion: narrative.SchemaVersion,
		Summary:       initialSummary,
	}
	state, err := state.WithDetails(Details{
		Source:    source,
		Target:    target,
		Trust:     50,
		Romance:   0,
		Conflict:  0,
		Archetype: "Stranger",
		Stage:     "Introduction",
	})
	if err != nil {
		return narrative.State{}, false
	}
	return state, true
}

// Trigger fires on any non-empty evidence.
func (s *Strategy) Trigger(_ narrative.State, evidence narrative.Evidence) bool {
	return !evidence.Empty()
}

// response is the JSON document the prompt asks the oracle for.
type response struct {
	Trust          *float64 `json:"trust_level"`
	Romance        *float64 `json:"romance_level"`
	Conflict       *float64 `json:"conflict_level"`
	Archetype      string   `json:"dominant_archetype"`
	Stage          string   `json:"current_stage"`
	RevisedSummary string   `json:"revised_summary"`
	SummaryUpdate  string   `json:"summary_update"`
	Threads        []string `json:"new_unresolved_threads"`
	Tags           []string `json:"key_tags"`
}

// Parse merges an oracle response into prev. Fields missing from the
// response keep their previous values.
func (s *Strategy) Parse(raw string, prev narrative.State) (narrative.State, error) {
	doc, err := extractJSON(raw)
	if err != nil {
		return prev, err
	}

	result, err := s.schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return prev, fmt.Errorf("validating response: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return prev, fmt.Errorf("response does not match schema: %s", strings.Join(msgs, "; "))
	}

	var resp response
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return prev, fmt.Errorf("unmarshal response: %w", err)
	}

	d, err := Decode(prev)
	if err != nil {
		return prev, err
	}
	d.Trust = score(resp.Trust, d.Trust)
	d.Romance = score(resp.Romance, d.Romance)
	d.Conflict = score(resp.Conflict, d.Conflict)
	if a := strings.TrimSpace(resp.Archetype); a != "" {
		d.Archetype = a
	}
	if st := strings.TrimSpace(resp.Stage); st != "" {
		d.Stage = st
	}

	next, err := prev.WithDetails(d)
	if err != nil {
		return prev, err
	}
	switch {
	case strings.TrimSpace(resp.RevisedSummary) != "":
		next.Summary = strings.TrimSpace(resp.RevisedSummary)
	case strings.TrimSpace(resp.SummaryUpdate) != "":
		next.Summary = prev.Summary + "\n" + strings.TrimSpace(resp.SummaryUpdate)
	}
	if resp.Threads != nil {
		next.UnresolvedThreads = nonEmpty(resp.Threads)
	}
	if resp.Tags != nil {
		next.Tags = nonEmpty(resp.Tags)
	}
	return next, nil
}

// extractJSON strips markdown fences and returns the outermost JSON object.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return s[start : end+1], nil
}

func score(v *float64, fallback int) int {
	if v == nil {
		return fallback
	}
	return int(math.Round(math.Max(0, math.Min(100, *v))))
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

const responseSchema = `{
  "type": "object",
  "properties": {
    "trust_level":    {"type": "number", "minimum": 0, "maximum": 100},
    "romance_level":  {"type": "number", "minimum": 0, "maximum": 100},
    "conflict_level": {"type": "number", "minimum": 0, "maximum": 100},
    "dominant_archetype": {"type": "string"},
    "current_stage":      {"type": "string"},
    "revised_summary":    {"type": "string"},
    "summary_update":     {"type": "string"},
    "new_unresolved_threads": {"type": "array", "items": {"type": "string"}},
    "key_tags":               {"type": "array", "items": {"type": "string"}}
  },
  "anyOf": [
    {"required": ["trust_level"]},
    {"required": ["romance_level"]},
    {"required": ["conflict_level"]},
    {"required": ["revised_summary"]},
    {"required": ["summary_update"]}
  ]
}`
