// Package density ranks how relevant each corpus unit is to a pair of
// entities and builds the evidence the narrative engine steps on. Units that
// fall below a corpus-relative threshold get no evidence until the pair's
// history has started, which keeps the oracle away from long irrelevant
// stretches.
package density

import (
	"fmt"
	"math"

	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/narrative"
)

// CoPresenceNote is the evidence emitted when both entities appear in a unit
// without any explicit link between them.
const CoPresenceNote = "Both characters appear in this chapter, implying potential implicit interaction or co-presence."

// Weights are the tunable constants of the scorer.
type Weights struct {
	Interaction float64 // per interaction linking both entities, either direction
	CoMention   float64 // per sentence mentioning both entities
	CoPresence  float64 // both in the entity list with no interaction
	Floor       float64 // minimum threshold
	Multiplier  float64 // threshold = max(Floor, mean * Multiplier)
}

// DefaultWeights returns the stock scoring policy.
func DefaultWeights() Weights {
	return Weights{
		Interaction: 3,
		CoMention:   1,
		CoPresence:  0.5,
		Floor:       0.6,
		Multiplier:  0.2,
	}
}

// Threshold returns max(w.Floor, mean(scores) * w.Multiplier).
func (w Weights) Threshold(scores []float64) float64 {
	if len(scores) == 0 {
		return w.Floor
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return math.Max(w.Floor, sum/float64(len(scores))*w.Multiplier)
}

// Above reports whether score clears threshold.
func Above(score, threshold float64) bool {
	return score >= threshold
}

// UnitScore is the pre-pass result for one unit.
type UnitScore struct {
	Position int     `json:"position"`
	Title    string  `json:"title"`
	Score    float64 `json:"score"`
	Above    bool    `json:"above_threshold"`
	// Links are the interactions connecting the pair in this unit.
	Links    []corpus.Interaction `json:"links,omitempty"`
	Evidence narrative.Evidence   `json:"evidence"`
}

// Plan is the density pre-pass over a whole corpus for one pair.
type Plan struct {
	EntityID  string      `json:"entity_id"`
	Source    string      `json:"source"`
	Target    string      `json:"target"`
	Mean      float64     `json:"mean"`
	Threshold float64     `json:"threshold"`
	Units     []UnitScore `json:"units"`
}

// Relevant counts the units that cleared the threshold.
func (p Plan) Relevant() int {
	n := 0
	for _, u := range p.Units {
		if u.Above {
			n++
		}
	}
	return n
}

// Scorer computes density plans.
type Scorer struct {
	names   *corpus.Normalizer
	weights Weights
}

// NewScorer returns a Scorer matching names through names.
func NewScorer(names *corpus.Normalizer, weights Weights) *Scorer {
	if names == nil {
		names = corpus.NewNormalizer(nil)
	}
	return &Scorer{names: names, weights: weights}
}

// Names returns the normalizer the scorer matches with.
func (s *Scorer) Names() *corpus.Normalizer {
	return s.names
}

type observation struct {
	links      []corpus.Interaction
	sentences  []string
	coPresence bool
}

func (s *Scorer) observe(u corpus.Unit, a, b string) observation {
	var o observation
	for _, in := range u.Interactions {
		if (s.names.Same(in.Source, a) && s.names.Same(in.Target, b)) ||
			(s.names.Same(in.Source, b) && s.names.Same(in.Target, a)) {
			o.links = append(o.links, in)
		}
	}
	for _, sent := range u.Sentences {
		if s.names.Mentions(sent, a) && s.names.Mentions(sent, b) {
			o.sentences = append(o.sentences, sent)
		}
	}
	var hasA, hasB bool
	for _, e := range u.Entities {
		hasA = hasA || s.names.Same(e.Name, a)
		hasB = hasB || s.names.Same(e.Name, b)
	}
	o.coPresence = hasA && hasB
	return o
}

func (s *Scorer) score(o observation) float64 {
	score := float64(len(o.links))*s.weights.Interaction + float64(len(o.sentences))*s.weights.CoMention
	if o.coPresence && len(o.links) == 0 {
		score += s.weights.CoPresence
	}
	return score
}

func evidenceFragments(o observation) []string {
	var frags []string
	for _, in := range o.links {
		desc := in.Description
		if desc == "" {
			desc = in.Source + " -> " + in.Target
		}
		frags = append(frags, fmt.Sprintf("Interaction (%s): %s", in.Relation, desc))
	}
	frags = append(frags, o.sentences...)
	if len(frags) == 0 && o.coPresence {
		frags = append(frags, CoPresenceNote)
	}
	return frags
}

// Score returns the density score of a single unit for the pair (a, b).
func (s *Scorer) Score(u corpus.Unit, a, b string) float64 {
	return s.score(s.observe(u, a, b))
}

// Plan scores every unit for the pair and assigns evidence. units must be in
// ascending position order.
func (s *Scorer) Plan(units []corpus.Unit, a, b string) Plan {
	plan := Plan{
		EntityID: s.names.PairID(a, b),
		Source:   s.names.Canonical(a),
		Target:   s.names.Canonical(b),
		Units:    make([]UnitScore, len(units)),
	}

	obs := make([]observation, len(units))
	scores := make([]float64, len(units))
	for i, u := range units {
		obs[i] = s.observe(u, a, b)
		scores[i] = s.score(obs[i])
		plan.Mean += scores[i]
	}
	if len(units) > 0 {
		plan.Mean /= float64(len(units))
	}
	plan.Threshold = s.weights.Threshold(scores)

	started := false
	for i, u := range units {
		us := UnitScore{
			Position: u.Position,
			Title:    u.Title,
			Score:    scores[i],
			Above:    Above(scores[i], plan.Threshold),
			Links:    obs[i].links,
			Evidence: narrative.Evidence{Position: u.Position},
		}
		if us.Above {
			started = true
		}
		if started {
			us.Evidence.Fragments = evidenceFragments(obs[i])
		}
		plan.Units[i] = us
	}
	return plan
}
