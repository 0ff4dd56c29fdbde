package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Fixed response bodies. The network server only looks at the status code.
const (
	respSaved   = "Data Saved"
	respDBError = "DB Error"
	respError   = "Error"
)

// maxUplinkBytes caps a webhook body; TTS uplinks are a few KiB.
const maxUplinkBytes = 1 << 20

// WebhookHandler receives TTS uplink webhooks and stores the readings.
type WebhookHandler struct {
	store       ReadingStore
	publisher   ReadingPublisher
	logger      *slog.Logger
	saveTimeout time.Duration
}

func NewWebhookHandler(store ReadingStore, publisher ReadingPublisher, logger *slog.Logger, saveTimeout time.Duration) *WebhookHandler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &WebhookHandler{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		saveTimeout: saveTimeout,
	}
}

// RegisterRoutes mounts both integrations. They share all code and differ
// only in their UplinkVariant.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /webhook", h.Handle(LegacyVariant))
	mux.Handle("POST /webhook2", h.Handle(CurrentVariant))
}

// Handle returns the handler for one integration variant.
func (h *WebhookHandler) Handle(variant UplinkVariant) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := loggerFrom(r.Context(), h.logger).With("variant", variant.Name)

		// 1. Body
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUplinkBytes))
		if err != nil {
			logger.Error("reading webhook body failed", "error", err)
			writeText(w, http.StatusInternalServerError, respError)
			return
		}

		// 2. Identifier and measurements
		reading, err := ExtractReading(body, variant)
		if err != nil {
			logger.Error("processing webhook failed", "error", err)
			writeText(w, http.StatusInternalServerError, respError)
			return
		}

		eui := deref(reading.DeviceEUI)
		if reading.DeviceEUI == nil {
			// TODO: reject identifier-less uplinks once the dashboard confirms none are expected.
			logger.Warn("uplink has no device identifier", "field", variant.DeviceIDField)
		}
		logger.Info("uplink received", "device_eui", eui, "temperature", floatAttr(reading.Temperature))

		// 3. Persist, bounded so a hung store cannot hold the request
		ctx, cancel := context.WithTimeout(r.Context(), h.saveTimeout)
		defer cancel()

		res, err := h.store.Save(ctx, reading)
		if err != nil {
			logger.Error("database error", "device_eui", eui, "error", err)
			writeText(w, http.StatusInternalServerError, respDBError)
			return
		}

		// 4. Fan out committed readings; the webhook is acknowledged either way
		switch res.Outcome {
		case SaveIgnoredUnregistered:
			logger.Info("device not registered, reading ignored", "device_eui", eui)
		case SaveCommitted:
			logger.Info("reading saved", "device_eui", eui, "id", res.ID)
			if err := h.publisher.PublishReading(res.Stored(reading)); err != nil {
				logger.Warn("reading event not published", "device_eui", eui, "error", err)
			}
		}

		writeText(w, http.StatusOK, respSaved)
	})
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

// floatAttr logs nil measurements as null instead of a pointer address.
func floatAttr(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
