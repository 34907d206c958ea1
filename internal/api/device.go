package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
)

// writeRequest is the body of PUT /device/{attribute}.
type writeRequest struct {
	Value any `json:"value"`
}

// handleGetDevice returns the current values of all six attributes.
func (s *Server) handleGetDevice(w http.ResponseWriter, _ *http.Request) {
	snap, err := device.TakeSnapshot(s.store)
	if err != nil {
		s.logger.Error("failed to read device", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read device")
		return
	}
	writeJSON(w, http.StatusOK, device.NewReading(s.deviceID, snap))
}

// handleWriteAttribute applies a client write under the same rules as
// OPC-UA: read-only attributes are refused and values must match the
// attribute's kind.
func (s *Server) handleWriteAttribute(w http.ResponseWriter, r *http.Request) {
	attr := device.Attribute(chi.URLParam(r, "attribute"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var req writeRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := device.Write(s.store, attr, req.Value); err != nil {
		if !writeDeviceError(w, err) {
			s.logger.Error("failed to write attribute", "attribute", attr, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to write attribute")
		}
		return
	}

	s.logger.Info("attribute written", "attribute", attr, "value", req.Value, "source", "api")
	s.handleGetDevice(w, r)
}

// handleDeviceHistory returns recorded readings, newest first.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "reading history is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	readings, err := s.history.Recent(r.Context(), s.deviceID, limit)
	if err != nil {
		s.logger.Error("failed to query history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": s.deviceID,
		"count":     len(readings),
		"readings":  readings,
	})
}
