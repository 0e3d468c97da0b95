package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kafly/skymetrics/internal/flight"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/internal/websocket"
	"github.com/kafly/skymetrics/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	registry *session.Registry
	ingest   *flight.Handler
	wsServer *websocket.Server
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(registry *session.Registry, ingest *flight.Handler, wsServer *websocket.Server, logger *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		ingest:   ingest,
		wsServer: wsServer,
		logger:   logger.Named("api-handler"),
	}
}

// GetSessions returns a snapshot of every active session
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	snapshots := h.registry.Snapshots()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(snapshots),
		"sessions": snapshots,
	})
}

// GetSession returns the snapshot of one session by pilot identity
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	sess, ok := h.registry.Get(identity)
	if !ok {
		h.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	h.respondJSON(w, http.StatusOK, session.SnapshotOf(sess))
}

// statusResponse is the process-wide status document
type statusResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	ActiveSessions  int     `json:"active_sessions"`
	ConnectedCount  int     `json:"connected_clients"`
	PacketsReceived uint64  `json:"packets_received"`
	BytesReceived   uint64  `json:"bytes_received"`
	ServerTime      string  `json:"server_time"`
}

// GetStatus returns uptime and ingest counters
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.ingest.Stats()
	h.respondJSON(w, http.StatusOK, statusResponse{
		Status:          "ok",
		UptimeSeconds:   stats.Uptime.Seconds(),
		ActiveSessions:  h.registry.Count(),
		ConnectedCount:  h.wsServer.ClientCount(),
		PacketsReceived: stats.PacketsReceived,
		BytesReceived:   stats.BytesReceived,
		ServerTime:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
