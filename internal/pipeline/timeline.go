package pipeline

import (
	"context"
	"fmt"

	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/narrative"
	"github.com/Neo-101/story-trace/internal/narrative/relationship"
)

// TimelineEntry pairs one unit's raw interactions with the snapshot stored
// at that unit, if any.
type TimelineEntry struct {
	Position     int                   `json:"position"`
	Title        string                `json:"title"`
	Score        float64               `json:"score"`
	Above        bool                  `json:"above_threshold"`
	Interactions []corpus.Interaction  `json:"interactions"`
	State        *narrative.State      `json:"state,omitempty"`
	Details      *relationship.Details `json:"details,omitempty"`
}

// Timeline is the presentation view of a pair across a corpus.
type Timeline struct {
	CorpusID  string          `json:"corpus_id"`
	EntityID  string          `json:"entity_id"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Threshold float64         `json:"threshold"`
	Entries   []TimelineEntry `json:"entries"`
}

// Timeline merges the pair's stored history with the per-unit interaction
// facts of the corpus.
func (a *Analyzer) Timeline(ctx context.Context, corpusID, source, target string) (Timeline, error) {
	key, err := a.Key(corpusID, source, target)
	if err != nil {
		return Timeline{}, err
	}
	units, err := a.units.Units(ctx, corpusID)
	if err != nil {
		return Timeline{}, fmt.Errorf("loading corpus %s: %w", corpusID, err)
	}
	history, err := a.engine.History(ctx, key)
	if err != nil {
		return Timeline{}, fmt.Errorf("reading history of %s: %w", key, err)
	}
	byPosition := make(map[int]narrative.State, len(history))
	for _, s := range history {
		byPosition[s.Position] = s
	}

	plan := a.scorer.Plan(units, source, target)
	tl := Timeline{
		CorpusID:  corpusID,
		EntityID:  key.EntityID,
		Source:    plan.Source,
		Target:    plan.Target,
		Threshold: plan.Threshold,
		Entries:   make([]TimelineEntry, 0, len(plan.Units)),
	}
	for _, us := range plan.Units {
		entry := TimelineEntry{
			Position:     us.Position,
			Title:        us.Title,
			Score:        us.Score,
			Above:        us.Above,
			Interactions: us.Links,
		}
		if entry.Interactions == nil {
			entry.Interactions = []corpus.Interaction{}
		}
		if s, ok := byPosition[us.Position]; ok {
			entry.State = &s
			if d, err := relationship.Decode(s); err == nil {
				entry.Details = &d
			} else {
				a.logger.Warn("undecodable relationship details", "entity_id", key.EntityID, "position", s.Position, "error", err)
			}
		}
		tl.Entries = append(tl.Entries, entry)
	}
	return tl, nil
}
