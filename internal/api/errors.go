package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/p-n-ai/pai-study/internal/srs"
	"github.com/p-n-ai/pai-study/internal/study"
)

// Error codes shared by HTTP responses and session frames.
const (
	codeNotFound    = "not_found"
	codeNotEligible = "not_eligible"
	codeInvalid     = "invalid"
	codeInternal    = "internal"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// classify maps a service error to an HTTP status and error code. Anything
// unrecognised is an internal error and its text is not exposed.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, srs.ErrNotFound),
		errors.Is(err, study.ErrUnknownTheme),
		errors.Is(err, study.ErrUnknownSubject):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, srs.ErrNotEligible):
		return http.StatusConflict, codeNotEligible
	case errors.Is(err, srs.ErrCycle),
		errors.Is(err, srs.ErrSelfDependency),
		errors.Is(err, srs.ErrInvalidPercent),
		errors.Is(err, study.ErrEmptyTitle):
		return http.StatusBadRequest, codeInvalid
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: code})
		return
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: codeInvalid, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
