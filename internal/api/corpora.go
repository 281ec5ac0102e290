package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Neo-101/story-trace/internal/corpus"
)

type importRequest struct {
	CorpusID string        `json:"corpus_id" validate:"required"`
	Units    []corpus.Unit `json:"units" validate:"required,min=1"`
}

func (h *handler) handleListCorpora(w http.ResponseWriter, r *http.Request) {
	list, err := h.Corpora.Corpora(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) handleImportCorpus(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !h.decode(w, r, maxCorpusBodySize, &req) {
		return
	}
	doc, err := corpus.Normalize(corpus.Document{CorpusID: req.CorpusID, Units: req.Units})
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	if err := h.Corpora.ImportCorpus(r.Context(), doc); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"corpus_id": doc.CorpusID, "units": len(doc.Units)})
}

func (h *handler) handleDeleteCorpus(w http.ResponseWriter, r *http.Request) {
	if err := h.Corpora.DeleteCorpus(r.Context(), chi.URLParam(r, "corpus")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	corpusID, source, target, ok := pairQuery(w, r)
	if !ok {
		return
	}
	history, err := h.Analyzer.History(r.Context(), corpusID, source, target)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	corpusID, source, target, ok := pairQuery(w, r)
	if !ok {
		return
	}
	tl, err := h.Analyzer.Timeline(r.Context(), corpusID, source, target)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (h *handler) handleReset(w http.ResponseWriter, r *http.Request) {
	corpusID, source, target, ok := pairQuery(w, r)
	if !ok {
		return
	}
	if err := h.Analyzer.Reset(r.Context(), corpusID, source, target); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
