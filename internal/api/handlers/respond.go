// internal/api/handlers/respond.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/orchestrator"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

// writeFailure maps domain errors onto HTTP statuses
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrUnknownPipeline):
		writeError(w, http.StatusNotFound, "unknown_pipeline", err)
	case errors.Is(err, models.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "unknown_task", err)
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err)
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrInvalidInput, err)
	}
	return nil
}
