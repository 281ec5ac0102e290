package narrative

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownStrategy is returned when no strategy is registered for an analysis type.
var ErrUnknownStrategy = errors.New("unknown analysis type")

// Strategy holds the domain logic of one analysis kind.
type Strategy interface {
	// Type is the analysis type this strategy is registered under.
	Type() string
	// PromptVersion changes whenever the prompt wording changes.
	PromptVersion() string
	// InitialState returns the baseline for an entity with no history, or
	// false if the strategy has none.
	InitialState(entityID string) (State, bool)
	// Trigger decides whether the evidence is worth an oracle call.
	Trigger(prev State, evidence Evidence) bool
	// BuildPrompt renders prev and evidence deterministically.
	BuildPrompt(prev State, evidence Evidence) string
	// Parse turns an oracle response into the next state. On failure it
	// returns prev unchanged together with the error.
	Parse(response string, prev State) (State, error)
}

// Registry maps analysis types to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry holding the given strategies.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s under s.Type(). Registering a type twice is an error.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.Type()]; ok {
		return fmt.Errorf("strategy %q already registered", s.Type())
	}
	r.strategies[s.Type()] = s
	return nil
}

// Get returns the strategy for analysisType.
func (r *Registry) Get(analysisType string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[analysisType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, analysisType)
	}
	return s, nil
}

// Types lists the registered analysis types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
