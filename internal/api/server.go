// Package api exposes the boost operations and read-only session state
// over HTTP for dashboards and automation glue. It never reaches into
// snapshot or timer internals.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"thermoboost/internal/boost"
	"thermoboost/internal/heatdemand"
	"thermoboost/internal/state"
)

// Server is the HTTP surface over the boost manager.
type Server struct {
	manager    *boost.Manager
	aggregator *heatdemand.Aggregator
	states     *state.Manager
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates the API server listening on the given port.
func NewServer(manager *boost.Manager, aggregator *heatdemand.Aggregator, states *state.Manager, port int, logger *zap.Logger) *Server {
	s := &Server{
		manager:    manager,
		aggregator: aggregator,
		states:     states,
		logger:     logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/boost/start", s.handleStart)
	mux.HandleFunc("/api/boost/finish", s.handleFinish)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":              s.manager.Statuses(),
		"call_for_heat_active": s.aggregator.Active(),
	})
}

// handleState dumps the cached helper variables for debugging.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.states.GetAllValues())
}

// boostRequest is the body of both boost operations. A single
// device_id and a device_ids list are both accepted; hours and
// temperature are optional and fall back to the device's stored
// selectors.
type boostRequest struct {
	DeviceID    string   `json:"device_id,omitempty"`
	DeviceIDs   []string `json:"device_ids,omitempty"`
	Hours       *float64 `json:"hours,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	deviceIDs, req, ok := s.decodeBoostRequest(w, r)
	if !ok {
		return
	}

	opts := boost.StartOptions{Hours: req.Hours, Temperature: req.Temperature}
	for _, deviceID := range deviceIDs {
		if err := s.manager.StartBoost(r.Context(), deviceID, opts); err != nil {
			s.writeOperationError(w, deviceID, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	deviceIDs, _, ok := s.decodeBoostRequest(w, r)
	if !ok {
		return
	}

	for _, deviceID := range deviceIDs {
		if err := s.manager.FinishBoost(r.Context(), deviceID); err != nil {
			s.writeOperationError(w, deviceID, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBoostRequest parses and validates the request. Every device id
// must be known before any session is touched, so a bad id rejects the
// whole call without partial effects.
func (s *Server) decodeBoostRequest(w http.ResponseWriter, r *http.Request) ([]string, *boostRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, nil, false
	}

	var req boostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, nil, false
	}

	deviceIDs := req.DeviceIDs
	if req.DeviceID != "" {
		deviceIDs = append([]string{req.DeviceID}, deviceIDs...)
	}
	if len(deviceIDs) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id or device_ids is required"})
		return nil, nil, false
	}

	for _, deviceID := range deviceIDs {
		if !s.manager.HasDevice(deviceID) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":  "unknown device",
				"device": deviceID,
			})
			return nil, nil, false
		}
	}
	return deviceIDs, &req, true
}

func (s *Server) writeOperationError(w http.ResponseWriter, deviceID string, err error) {
	var validation *boost.ValidationError
	status := http.StatusInternalServerError
	if errors.As(err, &validation) {
		status = http.StatusBadRequest
	}
	s.logger.Warn("Boost operation rejected",
		zap.String("device", deviceID),
		zap.Error(err))
	s.writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"device": deviceID,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
