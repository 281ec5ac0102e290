// Package pipeline runs relationship sweeps: it loads a corpus, scores every
// unit for a character pair and steps the pair's narrative state through the
// corpus in position order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/density"
	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/narrative"
	"github.com/Neo-101/story-trace/internal/narrative/relationship"
)

// DefaultWorkers bounds concurrent pair sweeps in a batch.
const DefaultWorkers = 3

// ErrInvalidPair is returned when a pair names the same character twice or
// leaves a name empty.
var ErrInvalidPair = errors.New("invalid character pair")

// UnitReader loads the ordered units of a corpus.
type UnitReader interface {
	Units(ctx context.Context, corpusID string) ([]corpus.Unit, error)
}

// PairRequest asks for one relationship sweep.
type PairRequest struct {
	CorpusID string `json:"corpus_id" validate:"required"`
	Source   string `json:"source" validate:"required"`
	Target   string `json:"target" validate:"required"`
	// Force deletes the pair's history before sweeping.
	Force bool `json:"force"`
}

// PairResult summarises a finished sweep.
type PairResult struct {
	CorpusID  string           `json:"corpus_id"`
	EntityID  string           `json:"entity_id"`
	Units     int              `json:"units"`
	Relevant  int              `json:"relevant_units"`
	Threshold float64          `json:"threshold"`
	Evolved   int              `json:"evolved"`
	Cloned    int              `json:"cloned"`
	Reused    int              `json:"reused"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Warnings  int              `json:"warnings"`
	Final     *narrative.State `json:"final_state,omitempty"`
}

// Analyzer drives relationship sweeps through a narrative.Engine.
type Analyzer struct {
	units   UnitReader
	engine  *narrative.Engine
	scorer  *density.Scorer
	workers int
	logger  *slog.Logger
	locks   *keyLocks
}

// NewAnalyzer creates an Analyzer. workers <= 0 selects DefaultWorkers.
func NewAnalyzer(units UnitReader, engine *narrative.Engine, scorer *density.Scorer, workers int) *Analyzer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Analyzer{
		units:   units,
		engine:  engine,
		scorer:  scorer,
		workers: workers,
		logger:  slog.Default(),
		locks:   newKeyLocks(),
	}
}

// Key returns the checkpoint key of the pair in corpusID.
func (a *Analyzer) Key(corpusID, source, target string) (narrative.Key, error) {
	names := a.scorer.Names()
	if names.Key(source) == "" || names.Key(target) == "" || names.Same(source, target) {
		return narrative.Key{}, fmt.Errorf("%w: %q and %q", ErrInvalidPair, source, target)
	}
	key := narrative.Key{
		CorpusID:     corpusID,
		AnalysisType: relationship.Type,
		EntityID:     names.PairID(source, target),
	}
	return key, key.Validate()
}

// AnalyzePair sweeps one pair through every unit of the corpus. Per-unit
// step failures are logged and counted; only a cancelled context or a
// failure to load the corpus aborts the sweep.
func (a *Analyzer) AnalyzePair(ctx context.Context, req PairRequest, progress jobs.ProgressFunc) (PairResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	key, err := a.Key(req.CorpusID, req.Source, req.Target)
	if err != nil {
		return PairResult{}, err
	}
	res := PairResult{CorpusID: req.CorpusID, EntityID: key.EntityID}

	progress(5, "Loading corpus")
	units, err := a.units.Units(ctx, req.CorpusID)
	if err != nil {
		return res, fmt.Errorf("loading corpus %s: %w", req.CorpusID, err)
	}

	progress(8, "Pre-calculating interaction density")
	plan := a.scorer.Plan(units, req.Source, req.Target)
	res.Units = len(plan.Units)
	res.Relevant = plan.Relevant()
	res.Threshold = plan.Threshold

	unlock := a.locks.lock(key.String())
	defer unlock()

	if req.Force {
		if err := a.engine.Reset(ctx, key); err != nil {
			return res, err
		}
	}

	log := a.logger.With("corpus_id", req.CorpusID, "entity_id", key.EntityID)
	log.Info("sweep started", "units", res.Units, "relevant", res.Relevant, "threshold", plan.Threshold)

	for i, us := range plan.Units {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pct := 10 + i*80/len(plan.Units)
		progress(pct, fmt.Sprintf("Analyzing unit %d (score %.1f)", us.Position, us.Score))

		step, err := a.engine.Step(ctx, key, us.Evidence)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			log.Warn("step failed", "position", us.Position, "error", err)
			continue
		}
		if step.Warning != nil {
			res.Warnings++
			progress(pct, "warning: "+step.Warning.Error())
		}

		switch step.Outcome() {
		case narrative.PhaseEvolving:
			res.Evolved++
		case narrative.PhaseCloned:
			res.Cloned++
		case narrative.PhaseExactMatch:
			res.Reused++
		default:
			res.Skipped++
		}
		if step.HasState() {
			state := step.State
			res.Final = &state
		}
	}

	log.Info("sweep finished",
		"evolved", res.Evolved, "cloned", res.Cloned, "reused", res.Reused,
		"skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// History returns the stored snapshots of the pair in ascending position.
func (a *Analyzer) History(ctx context.Context, corpusID, source, target string) ([]narrative.State, error) {
	key, err := a.Key(corpusID, source, target)
	if err != nil {
		return nil, err
	}
	return a.engine.History(ctx, key)
}

// Reset deletes the pair's history. It waits for a running sweep of the same
// pair to finish first.
func (a *Analyzer) Reset(ctx context.Context, corpusID, source, target string) error {
	key, err := a.Key(corpusID, source, target)
	if err != nil {
		return err
	}
	unlock := a.locks.lock(key.String())
	defer unlock()
	return a.engine.Reset(ctx, key)
}

// keyLocks serialises sweeps per checkpoint key.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{held: make(map[string]*keyLock)}
}

func (l *keyLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	kl, ok := l.held[key]
	if !ok {
		kl = &keyLock{}
		l.held[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}
