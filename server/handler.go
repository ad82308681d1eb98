package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Status is the activity report of a running listener.
type Status struct {
	State     string     `json:"state"`
	Healthy   bool       `json:"healthy"`
	LastEvent *time.Time `json:"last_event,omitempty"`
	Events    int64      `json:"events"`
	Sessions  int64      `json:"sessions"`
	// Reconciled and Failed count reconciliations since start.
	Reconciled int64 `json:"reconciled"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Units      int   `json:"units"`
	// UnitsLoadedAt is the time of the last successful structure refresh.
	UnitsLoadedAt *time.Time `json:"units_loaded_at,omitempty"`
}

// StatusFunc reports the current status.
type StatusFunc func() Status

type handler struct {
	status StatusFunc
	logger *slog.Logger
}

// healthz handles GET /healthz
func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	status := h.status()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(status.State + "\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// statusJSON handles GET /status
func (h *handler) statusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.status()); err != nil {
		h.logger.Error("failed to encode status", "error", err)
	}
}
