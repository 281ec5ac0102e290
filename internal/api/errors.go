package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/pipeline"
	"github.com/Neo-101/story-trace/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidPair):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// validationMessage reports the first failing field of a validator error.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Sprintf("validation error: %s - %s", ve[0].Namespace(), ve[0].Tag())
	}
	return "validation error: invalid request"
}
