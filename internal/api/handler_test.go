package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/narrative"
	"github.com/Neo-101/story-trace/internal/pipeline"
	"github.com/Neo-101/story-trace/internal/storage"
)

const testToken = "test-token-12345"

// fakeAnalyzer records calls and returns canned values.
type fakeAnalyzer struct {
	mu       sync.Mutex
	pairs    []pipeline.PairRequest
	batches  []pipeline.BatchRequest
	resets   []string
	history  []narrative.State
	err      error
	pairErr  error
	timeline pipeline.Timeline
}

func (f *fakeAnalyzer) AnalyzePair(ctx context.Context, req pipeline.PairRequest, progress jobs.ProgressFunc) (pipeline.PairResult, error) {
	f.mu.Lock()
	f.pairs = append(f.pairs, req)
	f.mu.Unlock()
	progress(50, "Analyzing unit 1 (score 3.0)")
	if f.pairErr != nil {
		return pipeline.PairResult{}, f.pairErr
	}
	return pipeline.PairResult{CorpusID: req.CorpusID, EntityID: "Alice_Bob", Evolved: 1}, nil
}

func (f *fakeAnalyzer) AnalyzeBatch(ctx context.Context, req pipeline.BatchRequest, progress jobs.ProgressFunc) (pipeline.BatchResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, req)
	f.mu.Unlock()
	return pipeline.BatchResult{CorpusID: req.CorpusID, Total: len(req.Pairs), Succeeded: len(req.Pairs)}, nil
}

func (f *fakeAnalyzer) History(ctx context.Context, corpusID, source, target string) ([]narrative.State, error) {
	return f.history, f.err
}

func (f *fakeAnalyzer) Timeline(ctx context.Context, corpusID, source, target string) (pipeline.Timeline, error) {
	return f.timeline, f.err
}

func (f *fakeAnalyzer) Reset(ctx context.Context, corpusID, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, corpusID+"/"+source+"/"+target)
	return f.err
}

func setupHandler(t *testing.T) (http.Handler, *fakeAnalyzer, *jobs.Registry, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	analyzer := &fakeAnalyzer{}
	registry := jobs.NewRegistry()
	h := NewHandler(Deps{
		Analyzer: analyzer,
		Corpora:  store,
		Jobs:     registry,
		Token:    testToken,
	})
	return h, analyzer, registry, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _, _ := setupHandler(t)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth_Required(t *testing.T) {
	h, _, _, _ := setupHandler(t)
	for _, token := range []string{"", "wrong-token"} {
		rr := serve(h, authReq(http.MethodGet, "/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestStartRelationship_RunsJob(t *testing.T) {
	h, analyzer, registry, _ := setupHandler(t)

	body := `{"corpus_id":"novel","source":"Alice","target":"Bob","force":true}`
	rr := serve(h, authReq(http.MethodPost, "/jobs/relationship", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var accepted jobAccepted
	if err := json.Unmarshal(rr.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}
	registry.Wait()

	rr = serve(h, authReq(http.MethodGet, "/jobs/"+accepted.JobID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET job status = %d", rr.Code)
	}
	var job struct {
		Status   jobs.Status         `json:"status"`
		Progress int                 `json:"progress"`
		Kind     string              `json:"kind"`
		Result   pipeline.PairResult `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != jobs.StatusCompleted || job.Progress != 100 || job.Kind != KindRelationship {
		t.Errorf("job = %+v", job)
	}
	if job.Result.Evolved != 1 {
		t.Errorf("result = %+v", job.Result)
	}
	if len(analyzer.pairs) != 1 || !analyzer.pairs[0].Force {
		t.Errorf("analyzer calls = %+v", analyzer.pairs)
	}
}

func TestStartRelationship_FailedJob(t *testing.T) {
	h, analyzer, registry, _ := setupHandler(t)
	analyzer.pairErr = errors.New("corpus novel: not found")

	rr := serve(h, authReq(http.MethodPost, "/jobs/relationship",
		`{"corpus_id":"novel","source":"Alice","target":"Bob"}`, testToken))
	var accepted jobAccepted
	json.Unmarshal(rr.Body.Bytes(), &accepted)
	registry.Wait()

	job, err := registry.Get(accepted.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Message, "not found") {
		t.Errorf("job = %+v", job)
	}
}

func TestStartRelationship_Validation(t *testing.T) {
	h, analyzer, _, _ := setupHandler(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{`, "invalid request body"},
		{"missing target", `{"corpus_id":"novel","source":"Alice"}`, "target"},
		{"missing corpus", `{"source":"Alice","target":"Bob"}`, "corpus_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodPost, "/jobs/relationship", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("body = %s, want mention of %q", rr.Body.String(), tt.want)
			}
		})
	}
	if len(analyzer.pairs) != 0 {
		t.Errorf("analyzer called %d times for invalid requests", len(analyzer.pairs))
	}
}

func TestStartBatch(t *testing.T) {
	h, analyzer, registry, _ := setupHandler(t)

	rr := serve(h, authReq(http.MethodPost, "/jobs/batch-relationship",
		`{"corpus_id":"novel","pairs":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty pairs: status = %d, want 400", rr.Code)
	}
	rr = serve(h, authReq(http.MethodPost, "/jobs/batch-relationship",
		`{"corpus_id":"novel","pairs":[{"source":"Alice"}]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("pair without target: status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/jobs/batch-relationship",
		`{"corpus_id":"novel","pairs":[{"source":"Alice","target":"Bob"},{"source":"Alice","target":"Carol"}]}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	registry.Wait()
	if len(analyzer.batches) != 1 || len(analyzer.batches[0].Pairs) != 2 {
		t.Errorf("batches = %+v", analyzer.batches)
	}
}

func TestListJobs(t *testing.T) {
	h, _, registry, _ := setupHandler(t)
	done := registry.Submit(KindRelationship, nil)
	registry.Complete(done, nil)
	registry.Submit(KindRelationship, nil)

	rr := serve(h, authReq(http.MethodGet, "/jobs?active_only=true", "", testToken))
	var active []jobs.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &active); err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("active jobs = %d, want 1", len(active))
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs", "", testToken))
	var all []jobs.Job
	json.Unmarshal(rr.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Errorf("all jobs = %d, want 2", len(all))
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs?active_only=maybe", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad flag: status = %d", rr.Code)
	}
	rr = serve(h, authReq(http.MethodGet, "/jobs/does-not-exist", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown job: status = %d", rr.Code)
	}
}

func TestHistory(t *testing.T) {
	h, analyzer, _, _ := setupHandler(t)
	analyzer.history = []narrative.State{{EntityID: "Alice_Bob", Position: 2}, {EntityID: "Alice_Bob", Position: 3}}

	rr := serve(h, authReq(http.MethodGet, "/corpora/novel/relationships/history?source=Alice&target=Bob", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []narrative.State
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Position != 3 {
		t.Errorf("history = %+v", got)
	}

	rr = serve(h, authReq(http.MethodGet, "/corpora/novel/relationships/history?source=Alice", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing target: status = %d", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: same", pipeline.ErrInvalidPair), http.StatusBadRequest},
		{fmt.Errorf("loading corpus: %w", storage.ErrNotFound), http.StatusNotFound},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h, analyzer, _, _ := setupHandler(t)
		analyzer.err = tt.err
		rr := serve(h, authReq(http.MethodGet, "/corpora/novel/relationships/timeline?source=A&target=B", "", testToken))
		if rr.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rr.Code, tt.want)
		}
	}
}

func TestReset(t *testing.T) {
	h, analyzer, _, _ := setupHandler(t)
	rr := serve(h, authReq(http.MethodDelete, "/corpora/novel/relationships?source=Alice&target=Bob", "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(analyzer.resets) != 1 || analyzer.resets[0] != "novel/Alice/Bob" {
		t.Errorf("resets = %v", analyzer.resets)
	}
}

func TestCorpora_ImportListDelete(t *testing.T) {
	h, _, _, store := setupHandler(t)

	body := `{"corpus_id":"novel","units":[{"position":2,"title":"Two"},{"position":1,"title":"One"}]}`
	rr := serve(h, authReq(http.MethodPost, "/corpora", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("import status = %d, body = %s", rr.Code, rr.Body.String())
	}
	units, err := store.Units(context.Background(), "novel")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 || units[0].Position != 1 {
		t.Errorf("units = %+v", units)
	}

	dup := `{"corpus_id":"bad","units":[{"position":1},{"position":1}]}`
	if rr := serve(h, authReq(http.MethodPost, "/corpora", dup, testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("duplicate positions: status = %d", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/corpora", "", testToken))
	var list []storage.CorpusSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "novel" || list[0].Units != 2 {
		t.Errorf("corpora = %+v", list)
	}

	if rr := serve(h, authReq(http.MethodDelete, "/corpora/novel", "", testToken)); rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rr.Code)
	}
	if _, err := store.Units(context.Background(), "novel"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("units after delete: err = %v", err)
	}
}

var _ CorpusStore = (*storage.Store)(nil)
