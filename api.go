package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// APIHandler serves stored readings to the dashboard.
type APIHandler struct {
	readings ReadingQuerier
	logger   *slog.Logger
	now      func() time.Time
}

func NewAPIHandler(readings ReadingQuerier, logger *slog.Logger) *APIHandler {
	return &APIHandler{readings: readings, logger: logger, now: time.Now}
}

// RegisterRoutes maps the read endpoints. {eui} accepts the raw TTS form as
// well ("eui-…"), it is normalized like an inbound uplink.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices/{eui}/latest", h.handleLatest)
	mux.HandleFunc("GET /api/devices/{eui}/history", h.handleHistory)
}

// handleLatest: GET /api/devices/{eui}/latest
func (h *APIHandler) handleLatest(w http.ResponseWriter, r *http.Request) {
	eui := NormalizeDeviceEUI(r.PathValue("eui"))

	reading, err := h.readings.LatestReading(r.Context(), eui)
	if errors.Is(err, ErrReadingNotFound) {
		http.Error(w, "no readings for device", http.StatusNotFound)
		return
	}
	if err != nil {
		loggerFrom(r.Context(), h.logger).Error("loading latest reading failed", "device_eui", eui, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, r, reading)
}

// handleHistory: GET /api/devices/{eui}/history?range=24h
func (h *APIHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	// 1. Device from the URL
	eui := NormalizeDeviceEUI(r.PathValue("eui"))

	// 2. Time window, 24h unless ?range= says otherwise
	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "24h"
	}
	dur, err := time.ParseDuration(rangeParam)
	if err != nil || dur <= 0 {
		http.Error(w, "invalid range (e.g. 1h, 30m)", http.StatusBadRequest)
		return
	}

	// 3. Query
	readings, err := h.readings.History(r.Context(), eui, h.now().UTC().Add(-dur))
	if err != nil {
		loggerFrom(r.Context(), h.logger).Error("loading history failed", "device_eui", eui, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, r, readings)
}

// writeJSON encodes before touching the response so an unencodable value
// still gets a proper 500.
func (h *APIHandler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		loggerFrom(r.Context(), h.logger).Error("encoding JSON response failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(data, '\n'))
}
