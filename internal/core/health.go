package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/control"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64   `json:"uptime_seconds"`
	PipelineRunning bool    `json:"pipeline_running"`
	StreamConnected bool    `json:"stream_connected"`
	AudioAvailable  bool    `json:"audio_available"`
	MQTTEnabled     bool    `json:"mqtt_enabled"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	FPS             float64 `json:"fps"`
}

// HealthCheck returns the current health status of the service.
// Unhealthy: the pipeline is not running. Degraded: running without
// camera connection, audio, or an enabled MQTT broker.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:          "healthy",
		PipelineRunning: running && s.pipe.Running(),
		StreamConnected: s.source.Stats().IsConnected,
		AudioAvailable:  s.alerts.AudioAvailable(),
		MQTTEnabled:     s.emitter != nil,
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}
	if r := s.pipe.Latest(); r != nil {
		status.FPS = r.Status.FPS
	}

	switch {
	case !status.PipelineRunning:
		status.Status = "unhealthy"
	case !status.StreamConnected || !status.AudioAvailable || (status.MQTTEnabled && !status.MQTTConnected):
		status.Status = "degraded"
	}
	return status
}

func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.livenessHandler)
	mux.HandleFunc("GET /readiness", s.readinessHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /events", s.eventsHandler)
	mux.HandleFunc("POST /control/reset", s.commandHandler("reset_statistics"))
	mux.HandleFunc("POST /control/test-alert", s.commandHandler("test_alert"))
	mux.HandleFunc("POST /control", s.controlHandler)
	mux.Handle("GET /ws", s.hub)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// livenessHandler handles /health (simple liveness check)
func (s *Service) livenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": uptime,
	})
}

// readinessHandler handles /readiness. Degraded is still ready.
func (s *Service) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.getStatus())
}

// eventsHandler returns the newest journal entries and the journal summary.
func (s *Service) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event log disabled"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	summary, err := s.journal.Summary(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  events,
		"summary": summary,
	})
}

func (s *Service) commandHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, s.commands.Execute(control.Command{Command: name}))
	}
}

// controlHandler accepts a JSON control command, the same shape as the
// MQTT control topic.
func (s *Service) controlHandler(w http.ResponseWriter, r *http.Request) {
	var cmd control.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, control.Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}
	s.respond(w, s.commands.Execute(cmd))
}

func (s *Service) respond(w http.ResponseWriter, resp control.Response) {
	code := http.StatusOK
	if resp.Status == "error" {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}
