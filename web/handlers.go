package web

import (
	"encoding/json"
	"net/http"
	"time"

	"frame-recorder/config"

	"go.uber.org/zap"
)

// Handlers serves the monitor's HTTP endpoints
type Handlers struct {
	config *config.Config
	logger *zap.Logger
	source StatusSource
	hub    *Hub
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, source StatusSource, hub *Hub, logger *zap.Logger) *Handlers {
	return &Handlers{
		config: cfg,
		logger: logger,
		source: source,
		hub:    hub,
	}
}

// HandleAPIStatus returns the session description and counters
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	if h.source == nil {
		h.writeErrorResponse(w, "No session available", http.StatusServiceUnavailable)
		return
	}
	h.writeJSONResponse(w, h.source.Status())
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	h.writeJSONResponse(w, h.config)
}

// HandleAPIStats returns the session counters
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	if h.source == nil {
		h.writeErrorResponse(w, "No session available", http.StatusServiceUnavailable)
		return
	}
	h.writeJSONResponse(w, map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"session":   h.source.Status().Stats,
	})
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.source != nil {
		health["state"] = h.source.Status().Stats.State
	}
	if h.hub != nil {
		health["websocket_clients"] = h.hub.ClientCount()
	}

	h.writeJSONResponse(w, health)
}

func (h *Handlers) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		h.logger.Error("Failed to encode JSON error response", zap.Error(err))
	}
}
