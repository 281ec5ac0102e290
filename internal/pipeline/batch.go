package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Neo-101/story-trace/internal/jobs"
)

// Pair names two characters.
type Pair struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// BatchRequest asks for sweeps of several pairs in one corpus.
type BatchRequest struct {
	CorpusID string `json:"corpus_id" validate:"required"`
	Pairs    []Pair `json:"pairs" validate:"required,min=1,dive"`
	Force    bool   `json:"force"`
}

// BatchResult collects the per-pair outcomes of a batch.
type BatchResult struct {
	CorpusID  string            `json:"corpus_id"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []PairResult      `json:"results"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// AnalyzeBatch sweeps every distinct pair of req, at most a.workers at a
// time. A failing pair never stops its siblings. The batch fails only when
// the context is cancelled or no pair succeeded.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, req BatchRequest, progress jobs.ProgressFunc) (BatchResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	pairs, err := a.distinct(req)
	if err != nil {
		return BatchResult{}, err
	}
	n := len(pairs)
	progress(1, fmt.Sprintf("Queued %d pairs", n))

	var (
		mu      sync.Mutex
		done    int
		results = make([]PairResult, n)
		errs    = make([]error, n)
	)

	g := new(errgroup.Group)
	g.SetLimit(a.workers)
	for i, p := range pairs {
		g.Go(func() error {
			r, err := a.AnalyzePair(ctx, PairRequest{
				CorpusID: req.CorpusID,
				Source:   p.Source,
				Target:   p.Target,
				Force:    req.Force,
			}, nil)

			mu.Lock()
			defer mu.Unlock()
			results[i], errs[i] = r, err
			done++
			// Stay below 100 so the job completes with its result attached.
			progress(1+done*98/n, fmt.Sprintf("Completed %d/%d pairs", done, n))
			return nil
		})
	}
	g.Wait()

	out := BatchResult{CorpusID: req.CorpusID, Total: n}
	var firstErr error
	for i, err := range errs {
		if err != nil {
			out.Failed++
			if out.Errors == nil {
				out.Errors = make(map[string]string)
			}
			id := a.scorer.Names().PairID(pairs[i].Source, pairs[i].Target)
			out.Errors[id] = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out.Succeeded++
		out.Results = append(out.Results, results[i])
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if out.Succeeded == 0 {
		return out, fmt.Errorf("all %d pairs failed: %w", n, firstErr)
	}
	return out, nil
}

// distinct drops pairs that map to an already seen entity id, keeping the
// first occurrence. Invalid pairs are rejected up front.
func (a *Analyzer) distinct(req BatchRequest) ([]Pair, error) {
	if len(req.Pairs) == 0 {
		return nil, fmt.Errorf("batch for corpus %s has no pairs", req.CorpusID)
	}
	seen := make(map[string]bool, len(req.Pairs))
	out := make([]Pair, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		key, err := a.Key(req.CorpusID, p.Source, p.Target)
		if err != nil {
			return nil, err
		}
		if seen[key.EntityID] {
			continue
		}
		seen[key.EntityID] = true
		out = append(out, p)
	}
	return out, nil
}
