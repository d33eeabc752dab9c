// internal/api/handlers/status_handler.go
package handlers

import (
	"net/http"

	"github.com/fawad-mazhar/kxcreation/internal/models"
)

// StatsProvider reports orchestrator counters
type StatsProvider interface {
	Stats() models.SystemStatus
}

type StatusHandler struct {
	stats StatsProvider
}

func NewStatusHandler(stats StatsProvider) *StatusHandler {
	return &StatusHandler{
		stats: stats,
	}
}

func (h *StatusHandler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.stats.Stats().Accepting {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
