package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/pipeline"
)

type jobAccepted struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

func (h *handler) handleStartRelationship(w http.ResponseWriter, r *http.Request) {
	var req pipeline.PairRequest
	if !h.decode(w, r, maxRequestBodySize, &req) {
		return
	}

	id := startRelationshipJob(h.JobContext, h.Jobs, h.Analyzer, req)
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: id, Status: jobs.StatusPending})
}

func (h *handler) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req pipeline.BatchRequest
	if !h.decode(w, r, maxRequestBodySize, &req) {
		return
	}

	metadata := map[string]any{
		"corpus_id": req.CorpusID,
		"pairs":     len(req.Pairs),
		"force":     req.Force,
	}
	id := h.Jobs.Start(h.JobContext, KindBatchRelationship, metadata,
		func(ctx context.Context, progress jobs.ProgressFunc) (any, error) {
			return h.Analyzer.AnalyzeBatch(ctx, req, progress)
		})
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: id, Status: jobs.StatusPending})
}

// startRelationshipJob runs one pair sweep as a background job.
func startRelationshipJob(ctx context.Context, registry *jobs.Registry, analyzer Analyzer, req pipeline.PairRequest) string {
	metadata := map[string]any{
		"corpus_id": req.CorpusID,
		"source":    req.Source,
		"target":    req.Target,
		"force":     req.Force,
	}
	return registry.Start(ctx, KindRelationship, metadata,
		func(ctx context.Context, progress jobs.ProgressFunc) (any, error) {
			return analyzer.AnalyzePair(ctx, req, progress)
		})
}

func (h *handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid active_only: %q", v)
			return
		}
		activeOnly = b
	}
	writeJSON(w, http.StatusOK, h.Jobs.List(activeOnly))
}

func (h *handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
