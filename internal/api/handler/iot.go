package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/api/response"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// EventIoTReading is the iot channel event type for a new sample.
const EventIoTReading = "iot.reading"

type IoTHandler struct {
	store    store.TelemetryStore
	notifier realtime.Notifier
}

func NewIoTHandler(s store.TelemetryStore, n realtime.Notifier) *IoTHandler {
	return &IoTHandler{store: s, notifier: n}
}

type ingestRequest struct {
	Sensor     string     `json:"sensor" validate:"required,max=128"`
	Metric     string     `json:"metric" validate:"required,max=64"`
	Value      *float64   `json:"value" validate:"required"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// Ingest handles POST /api/v1/iot/readings from an authenticated device.
// Subscribers filtered on the sensor id receive the reading.
func (h *IoTHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	reading := &models.IoTReading{
		ID:         uuid.New(),
		Sensor:     req.Sensor,
		Metric:     req.Metric,
		Value:      *req.Value,
		RecordedAt: now,
		CreatedAt:  now,
	}
	if req.RecordedAt != nil {
		reading.RecordedAt = req.RecordedAt.UTC()
	}

	if err := h.store.CreateIoTReading(r.Context(), reading); err != nil {
		slog.Error("storing iot reading", "sensor", reading.Sensor, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	ev := realtime.Event{Type: EventIoTReading, Key: reading.Sensor, Payload: reading}
	if err := h.notifier.Notify(r.Context(), realtime.ChannelIoT, ev); err != nil {
		slog.Warn("iot notify failed", "sensor", reading.Sensor, "error", err)
	}
	response.Created(w, reading)
}

// List handles GET /api/v1/iot/readings?sensor&limit.
func (h *IoTHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", store.DefaultReadingLimit)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	readings, err := h.store.ListIoTReadings(r.Context(), r.URL.Query().Get("sensor"), limit)
	if err != nil {
		slog.Error("listing iot readings", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, readings)
}
