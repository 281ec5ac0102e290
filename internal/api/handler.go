// Package api exposes relationship sweeps, job status and checkpoint history
// over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/narrative"
	"github.com/Neo-101/story-trace/internal/pipeline"
	"github.com/Neo-101/story-trace/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxCorpusBodySize = 64 << 20 // 64MB

// Job kinds recorded in the registry.
const (
	KindRelationship      = "relationship"
	KindBatchRelationship = "batch_relationship"
)

// Analyzer runs sweeps and answers history queries.
type Analyzer interface {
	AnalyzePair(ctx context.Context, req pipeline.PairRequest, progress jobs.ProgressFunc) (pipeline.PairResult, error)
	AnalyzeBatch(ctx context.Context, req pipeline.BatchRequest, progress jobs.ProgressFunc) (pipeline.BatchResult, error)
	History(ctx context.Context, corpusID, source, target string) ([]narrative.State, error)
	Timeline(ctx context.Context, corpusID, source, target string) (pipeline.Timeline, error)
	Reset(ctx context.Context, corpusID, source, target string) error
}

// CorpusStore imports and lists corpora.
type CorpusStore interface {
	ImportCorpus(ctx context.Context, doc corpus.Document) error
	DeleteCorpus(ctx context.Context, corpusID string) error
	Corpora(ctx context.Context) ([]storage.CorpusSummary, error)
}

type Deps struct {
	Analyzer Analyzer
	Corpora  CorpusStore
	Jobs     *jobs.Registry
	Token    string
	// JobContext is the parent of every job started by a request. It outlives
	// the request and is cancelled on shutdown.
	JobContext context.Context
}

type handler struct {
	Deps
	validate *validator.Validate
}

// NewHandler returns the HTTP API. Every route except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.JobContext == nil {
		deps.JobContext = context.Background()
	}
	h := &handler{Deps: deps, validate: newValidator()}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs/relationship", h.handleStartRelationship)
		r.Post("/jobs/batch-relationship", h.handleStartBatch)
		r.Get("/jobs", h.handleListJobs)
		r.Get("/jobs/{id}", h.handleGetJob)

		r.Get("/corpora", h.handleListCorpora)
		r.Post("/corpora", h.handleImportCorpus)
		r.Delete("/corpora/{corpus}", h.handleDeleteCorpus)

		r.Get("/corpora/{corpus}/relationships/history", h.handleHistory)
		r.Get("/corpora/{corpus}/relationships/timeline", h.handleTimeline)
		r.Delete("/corpora/{corpus}/relationships", h.handleReset)
	})

	return r
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decode reads a JSON body into v and validates it, writing a 400 on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
		return false
	}
	return true
}

// pairQuery reads the source and target query parameters.
func pairQuery(w http.ResponseWriter, r *http.Request) (corpusID, source, target string, ok bool) {
	corpusID = chi.URLParam(r, "corpus")
	source = r.URL.Query().Get("source")
	target = r.URL.Query().Get("target")
	if source == "" || target == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "source and target query parameters are required")
		return "", "", "", false
	}
	return corpusID, source, target, true
}
