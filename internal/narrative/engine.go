package narrative

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"
)

// Phase is one state of the per-step state machine.
type Phase string

const (
	PhaseNoHistory  Phase = "no_history"
	PhaseExactMatch Phase = "exact_match"
	PhasePriorOnly  Phase = "prior_only"
	PhaseEvolving   Phase = "evolving"
	PhaseCloned     Phase = "cloned"
	PhaseNoOutput   Phase = "no_output"
)

// StepResult describes the outcome of one Engine.Step.
type StepResult struct {
	// State is the snapshot now stored at the target position. It is the
	// zero value when the outcome is PhaseNoOutput.
	State State
	// Trace lists the phases the step went through, in order.
	Trace []Phase
	// Warning is set when an oracle or parse failure demoted the step to the
	// clone path.
	Warning error
}

// Outcome returns the final phase of the step.
func (r StepResult) Outcome() Phase {
	if len(r.Trace) == 0 {
		return PhaseNoOutput
	}
	return r.Trace[len(r.Trace)-1]
}

// HasState reports whether the step produced or found a snapshot.
func (r StepResult) HasState() bool {
	return r.Outcome() != PhaseNoOutput
}

// Evolved reports whether the state came from a fresh oracle evolution.
func (r StepResult) Evolved() bool {
	return r.Outcome() == PhaseEvolving
}

func (r *StepResult) enter(p Phase) {
	r.Trace = append(r.Trace, p)
}

// Options configures optional Engine collaborators.
type Options struct {
	// Oracle is consulted when a strategy triggers. Nil disables evolution:
	// every step takes the clone path.
	Oracle Oracle
	// Cache memoizes oracle responses. Nil disables caching.
	Cache Cache
	// ModelConfig identifies the oracle configuration in cache keys.
	ModelConfig map[string]string
	Logger      *slog.Logger
	// Now overrides the clock used for snapshot timestamps.
	Now func() time.Time
}

// Engine steps entities forward through the corpus one position at a time.
// It is safe for concurrent use as long as no two callers step the same Key
// at once.
type Engine struct {
	store       CheckpointStore
	strategies  *Registry
	oracle      Oracle
	cache       Cache
	modelConfig map[string]string
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates an Engine over store using the strategies in registry.
func NewEngine(store CheckpointStore, registry *Registry, opts Options) *Engine {
	e := &Engine{
		store:       store,
		strategies:  registry,
		oracle:      opts.Oracle,
		cache:       opts.Cache,
		modelConfig: maps.Clone(opts.ModelConfig),
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Step brings key to evidence.Position and returns the snapshot stored there.
//
// An existing snapshot at the target is returned untouched. Otherwise the
// latest earlier snapshot (or the strategy's initial state) is evolved
// through the oracle when the strategy triggers, or carried forward verbatim
// when it does not. Oracle and parse failures fall back to carrying forward
// and are reported in StepResult.Warning. Without a stored predecessor the
// carry-forward path produces nothing.
func (e *Engine) Step(ctx context.Context, key Key, evidence Evidence) (StepResult, error) {
	var res StepResult
	if err := key.Validate(); err != nil {
		return res, err
	}
	strategy, err := e.strategies.Get(key.AnalysisType)
	if err != nil {
		return res, err
	}
	target := evidence.Position

	existing, ok, err := e.store.At(ctx, key, target)
	if err != nil {
		return res, fmt.Errorf("reading checkpoint %s@%d: %w", key, target, err)
	}
	if ok {
		res.enter(PhaseExactMatch)
		res.State = existing
		return res, nil
	}

	prev, hasPrior, err := e.store.LatestBefore(ctx, key, target)
	if err != nil {
		return res, fmt.Errorf("reading checkpoint before %s@%d: %w", key, target, err)
	}
	if hasPrior {
		res.enter(PhasePriorOnly)
	} else {
		res.enter(PhaseNoHistory)
		initial, ok := strategy.InitialState(key.EntityID)
		if !ok {
			res.enter(PhaseNoOutput)
			return res, nil
		}
		prev = initial
	}

	var next State
	evolved := false
	if e.oracle != nil && strategy.Trigger(prev, evidence) {
		res.enter(PhaseEvolving)
		candidate, err := e.evolve(ctx, strategy, prev, evidence)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Warning = fmt.Errorf("evolving %s@%d: %w", key, target, err)
			e.logger.Warn("evolution failed, carrying state forward",
				"key", key.String(), "position", target, "error", err)
		} else {
			next, evolved = candidate, true
		}
	}

	if !evolved {
		if !hasPrior {
			res.enter(PhaseNoOutput)
			return res, nil
		}
		res.enter(PhaseCloned)
		next = prev.Clone()
	}

	next.EntityID = key.EntityID
	next.Position = target
	next.UpdatedAt = e.now().UTC()
	if next.SchemaVersion == "" {
		next.SchemaVersion = SchemaVersion
	}
	if err := e.store.Save(ctx, key, next); err != nil {
		return res, fmt.Errorf("saving checkpoint %s@%d: %w", key, target, err)
	}
	res.State = next

	e.logger.Debug("step complete",
		"key", key.String(), "position", target, "outcome", string(res.Outcome()))
	return res, nil
}

func (e *Engine) evolve(ctx context.Context, strategy Strategy, prev State, evidence Evidence) (State, error) {
	prompt := strategy.BuildPrompt(prev, evidence)
	version := strategy.PromptVersion()

	var response string
	cached := false
	if e.cache != nil {
		response, cached = e.cache.Get(prompt, version, e.modelConfig)
	}
	if !cached {
		out, err := e.oracle.Generate(ctx, prompt)
		if err != nil {
			return State{}, fmt.Errorf("calling oracle: %w", err)
		}
		response = out
	}

	next, err := strategy.Parse(response, prev)
	if err != nil {
		return State{}, fmt.Errorf("parsing oracle response: %w", err)
	}

	// Only parseable responses are memoized.
	if e.cache != nil && !cached {
		if err := e.cache.Put(prompt, version, e.modelConfig, response); err != nil {
			e.logger.Warn("cache write failed", "prompt_version", version, "error", err)
		}
	}
	return next, nil
}

// Reset deletes the whole history of key so the next sweep starts over.
func (e *Engine) Reset(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := e.store.DeleteAll(ctx, key); err != nil {
		return fmt.Errorf("deleting checkpoints of %s: %w", key, err)
	}
	return nil
}

// History returns the stored snapshots of key in ascending position order.
func (e *Engine) History(ctx context.Context, key Key) ([]State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return e.store.History(ctx, key)
}

// At returns the snapshot stored exactly at position.
func (e *Engine) At(ctx context.Context, key Key, position int) (State, bool, error) {
	if err := key.Validate(); err != nil {
		return State{}, false, err
	}
	return e.store.At(ctx, key, position)
}

// Strategies returns the registry the engine dispatches on.
func (e *Engine) Strategies() *Registry {
	return e.strategies
}
