package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Neo-101/story-trace/internal/checkpoint"
	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/density"
	"github.com/Neo-101/story-trace/internal/narrative"
	"github.com/Neo-101/story-trace/internal/narrative/relationship"
	"github.com/Neo-101/story-trace/internal/storage"
)

const evolvedResponse = `{"trust_level":70,"romance_level":10,"conflict_level":5,` +
	`"dominant_archetype":"Allies","current_stage":"Trust","summary_update":"They work together.",` +
	`"new_unresolved_threads":[],"key_tags":["alliance"]}`

type fakeUnits struct {
	corpora map[string][]corpus.Unit
}

func (f *fakeUnits) Units(ctx context.Context, corpusID string) ([]corpus.Unit, error) {
	units, ok := f.corpora[corpusID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return units, nil
}

type countingOracle struct {
	calls    atomic.Int32
	response string
	err      error
}

func (o *countingOracle) Generate(ctx context.Context, prompt string) (string, error) {
	o.calls.Add(1)
	if o.err != nil {
		return "", o.err
	}
	return o.response, nil
}

// novel has one Alice/Bob interaction at position 2 of three units.
func novel() []corpus.Unit {
	return []corpus.Unit{
		{Position: 1, Title: "Arrival", Sentences: []string{"Alice walks alone."}},
		{Position: 2, Title: "Meeting", Interactions: []corpus.Interaction{
			{Source: "Alice", Target: "Bob", Relation: "ally", Description: "Alice helps Bob escape"},
		}},
		{Position: 3, Title: "Aftermath", Sentences: []string{"Rain falls."}},
	}
}

type fixture struct {
	analyzer *Analyzer
	oracle   *countingOracle
}

func newFixture(t *testing.T, oracle *countingOracle) fixture {
	t.Helper()
	store, err := checkpoint.OpenBolt(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := narrative.NewRegistry(relationship.New("English"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	opts := narrative.Options{}
	if oracle != nil {
		opts.Oracle = oracle
	}
	engine := narrative.NewEngine(store, registry, opts)
	units := &fakeUnits{corpora: map[string][]corpus.Unit{"novel": novel()}}
	scorer := density.NewScorer(corpus.NewNormalizer(nil), density.DefaultWeights())
	return fixture{analyzer: NewAnalyzer(units, engine, scorer, 2), oracle: oracle}
}

func TestAnalyzePair_EvolvesClonesAndSkips(t *testing.T) {
	f := newFixture(t, &countingOracle{response: evolvedResponse})
	ctx := context.Background()

	var messages []string
	res, err := f.analyzer.AnalyzePair(ctx, PairRequest{CorpusID: "novel", Source: "Bob", Target: "Alice"},
		func(pct int, msg string) { messages = append(messages, msg) })
	if err != nil {
		t.Fatalf("AnalyzePair: %v", err)
	}

	if res.EntityID != "Alice_Bob" {
		t.Errorf("EntityID = %q, want Alice_Bob", res.EntityID)
	}
	if res.Evolved != 1 || res.Cloned != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("counts = %+v", res)
	}
	if res.Threshold != 0.6 || res.Relevant != 1 {
		t.Errorf("threshold = %v relevant = %d", res.Threshold, res.Relevant)
	}
	if got := f.oracle.calls.Load(); got != 1 {
		t.Errorf("oracle calls = %d, want 1", got)
	}
	if res.Final == nil || res.Final.Position != 3 {
		t.Fatalf("final = %+v, want position 3", res.Final)
	}
	if messages[0] != "Loading corpus" || messages[1] != "Pre-calculating interaction density" {
		t.Errorf("first messages = %q", messages[:2])
	}
	if !strings.HasPrefix(messages[2], "Analyzing unit 1") {
		t.Errorf("unit message = %q", messages[2])
	}

	history, err := f.analyzer.History(ctx, "novel", "Alice", "Bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Position != 2 || history[1].Position != 3 {
		t.Fatalf("history positions = %v", positions(history))
	}
	if !history[0].SameContent(history[1]) {
		t.Error("clone at 3 differs from evolved state at 2")
	}
	d, err := relationship.Decode(history[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d.Trust != 70 || d.Archetype != "Allies" {
		t.Errorf("details = %+v", d)
	}
}

func TestAnalyzePair_RerunReusesCheckpoints(t *testing.T) {
	f := newFixture(t, &countingOracle{response: evolvedResponse})
	ctx := context.Background()
	req := PairRequest{CorpusID: "novel", Source: "Alice", Target: "Bob"}

	if _, err := f.analyzer.AnalyzePair(ctx, req, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := f.analyzer.AnalyzePair(ctx, req, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Reused != 2 || res.Evolved != 0 {
		t.Errorf("counts = %+v, want 2 reused", res)
	}
	if got := f.oracle.calls.Load(); got != 1 {
		t.Errorf("oracle calls = %d, want 1", got)
	}

	req.Force = true
	if _, err := f.analyzer.AnalyzePair(ctx, req, nil); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if got := f.oracle.calls.Load(); got != 2 {
		t.Errorf("oracle calls after force = %d, want 2", got)
	}
}

func TestAnalyzePair_OracleFailureWarns(t *testing.T) {
	f := newFixture(t, &countingOracle{err: errors.New("provider down")})

	var warnings []string
	res, err := f.analyzer.AnalyzePair(context.Background(),
		PairRequest{CorpusID: "novel", Source: "Alice", Target: "Bob"},
		func(_ int, msg string) {
			if strings.HasPrefix(msg, "warning: ") {
				warnings = append(warnings, msg)
			}
		})
	if err != nil {
		t.Fatalf("AnalyzePair: %v", err)
	}
	if len(warnings) != 1 || res.Warnings != 1 {
		t.Errorf("warnings = %q (%d)", warnings, res.Warnings)
	}
	// Without a stored predecessor the demoted step has nothing to clone.
	if res.Evolved != 0 || res.Skipped != 3 || res.Final != nil {
		t.Errorf("counts = %+v", res)
	}
}

func TestAnalyzePair_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.analyzer.AnalyzePair(ctx, PairRequest{CorpusID: "novel", Source: "Alice", Target: " alice "}, nil); !errors.Is(err, ErrInvalidPair) {
		t.Errorf("same character: err = %v, want ErrInvalidPair", err)
	}
	if _, err := f.analyzer.AnalyzePair(ctx, PairRequest{CorpusID: "novel", Source: "", Target: "Bob"}, nil); !errors.Is(err, ErrInvalidPair) {
		t.Errorf("empty name: err = %v, want ErrInvalidPair", err)
	}
	if _, err := f.analyzer.AnalyzePair(ctx, PairRequest{CorpusID: "missing", Source: "Alice", Target: "Bob"}, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing corpus: err = %v, want ErrNotFound", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := f.analyzer.AnalyzePair(cctx, PairRequest{CorpusID: "novel", Source: "Alice", Target: "Bob"}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: err = %v", err)
	}
}

func TestAnalyzeBatch_DedupesAndReports(t *testing.T) {
	f := newFixture(t, &countingOracle{response: evolvedResponse})

	var (
		mu   sync.Mutex
		last string
	)
	res, err := f.analyzer.AnalyzeBatch(context.Background(), BatchRequest{
		CorpusID: "novel",
		Pairs: []Pair{
			{Source: "Alice", Target: "Bob"},
			{Source: "Bob", Target: "Alice"},
			{Source: "Alice", Target: "Carol"},
		},
	}, func(_ int, msg string) {
		mu.Lock()
		last = msg
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("AnalyzeBatch: %v", err)
	}
	if res.Total != 2 || res.Succeeded != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if last != "Completed 2/2 pairs" {
		t.Errorf("last progress = %q", last)
	}
	if got := f.oracle.calls.Load(); got != 1 {
		t.Errorf("oracle calls = %d, want 1", got)
	}
}

func TestAnalyzeBatch_AllFailed(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.analyzer.AnalyzeBatch(context.Background(), BatchRequest{
		CorpusID: "missing",
		Pairs:    []Pair{{Source: "Alice", Target: "Bob"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error when every pair fails")
	}
	if res.Failed != 1 || res.Errors["Alice_Bob"] == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestAnalyzeBatch_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.analyzer.AnalyzeBatch(ctx, BatchRequest{CorpusID: "novel"}, nil); err == nil {
		t.Error("empty batch should fail")
	}
	_, err := f.analyzer.AnalyzeBatch(ctx, BatchRequest{
		CorpusID: "novel",
		Pairs:    []Pair{{Source: "Alice", Target: "Bob"}, {Source: "Bob", Target: "Bob"}},
	}, nil)
	if !errors.Is(err, ErrInvalidPair) {
		t.Errorf("err = %v, want ErrInvalidPair", err)
	}
}

func TestTimeline_MergesHistoryAndInteractions(t *testing.T) {
	f := newFixture(t, &countingOracle{response: evolvedResponse})
	ctx := context.Background()
	if _, err := f.analyzer.AnalyzePair(ctx, PairRequest{CorpusID: "novel", Source: "Alice", Target: "Bob"}, nil); err != nil {
		t.Fatalf("AnalyzePair: %v", err)
	}

	tl, err := f.analyzer.Timeline(ctx, "novel", "Bob", "Alice")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if tl.EntityID != "Alice_Bob" || len(tl.Entries) != 3 {
		t.Fatalf("timeline = %+v", tl)
	}
	first, second := tl.Entries[0], tl.Entries[1]
	if first.State != nil || len(first.Interactions) != 0 {
		t.Errorf("entry 1 = %+v", first)
	}
	if second.State == nil || second.Details == nil || second.Details.Trust != 70 {
		t.Errorf("entry 2 = %+v", second)
	}
	if len(second.Interactions) != 1 || !second.Above {
		t.Errorf("entry 2 interactions = %+v", second.Interactions)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, &countingOracle{response: evolvedResponse})
	ctx := context.Background()
	if _, err := f.analyzer.AnalyzePair(ctx, PairRequest{CorpusID: "novel", Source: "Alice", Target: "Bob"}, nil); err != nil {
		t.Fatalf("AnalyzePair: %v", err)
	}
	if err := f.analyzer.Reset(ctx, "novel", "Alice", "Bob"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	history, err := f.analyzer.History(ctx, "novel", "Alice", "Bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history after reset = %v", positions(history))
	}
}

func TestKeyLocks_Serialise(t *testing.T) {
	locks := newKeyLocks()
	var (
		active atomic.Int32
		peak   atomic.Int32
		wg     sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("novel/relationship/Alice_Bob")
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("peak holders = %d, want 1", peak.Load())
	}
	if len(locks.held) != 0 {
		t.Errorf("held = %d entries after release", len(locks.held))
	}
}

func positions(states []narrative.State) string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = fmt.Sprint(s.Position)
	}
	return strings.Join(out, ",")
}
