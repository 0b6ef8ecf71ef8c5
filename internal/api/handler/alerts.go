package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/api/response"
	"github.com/kiranshivaraju/minewatch/internal/jobs"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

type AlertsHandler struct {
	store    store.AlertStore
	notifier realtime.Notifier
}

func NewAlertsHandler(s store.AlertStore, n realtime.Notifier) *AlertsHandler {
	return &AlertsHandler{store: s, notifier: n}
}

// List handles GET /api/v1/alerts?limit, newest first.
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", store.DefaultAlertLimit)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	alerts, err := h.store.ListAlerts(r.Context(), limit)
	if err != nil {
		slog.Error("listing alerts", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, alerts)
}

type createAlertRequest struct {
	Type        string  `json:"type" validate:"omitempty,oneof=critical warning info"`
	Title       string  `json:"title" validate:"required,max=200"`
	Description string  `json:"description" validate:"max=2000"`
	AreaHa      float64 `json:"area_ha" validate:"gte=0"`
	JobID       *string `json:"job_id" validate:"omitempty,uuid"`
}

// Create handles POST /api/v1/alerts. The alert is stored, then pushed to
// the alerts channel on a best-effort basis.
func (h *AlertsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	alert := &models.Alert{
		ID:          uuid.New(),
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		AreaHa:      req.AreaHa,
		CreatedAt:   time.Now().UTC(),
	}
	if alert.Type == "" {
		alert.Type = models.AlertTypeInfo
	}
	if req.JobID != nil {
		id := uuid.MustParse(*req.JobID)
		alert.JobID = &id
	}

	if err := h.store.CreateAlert(r.Context(), alert); err != nil {
		slog.Error("creating alert", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	ev := realtime.Event{Type: jobs.EventAlertCreated, Payload: alert}
	if err := h.notifier.Notify(r.Context(), realtime.ChannelAlerts, ev); err != nil {
		slog.Warn("alert notify failed", "alert_id", alert.ID, "error", err)
	}
	response.Created(w, alert)
}

// Acknowledge handles POST /api/v1/alerts/{alertID}/ack.
func (h *AlertsHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, chi.URLParam(r, "alertID"), "alertID")
	if !ok {
		return
	}
	alert, err := h.store.AcknowledgeAlert(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "ALERT_NOT_FOUND", "Alert not found", nil)
			return
		}
		slog.Error("acknowledging alert", "alert_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, alert)
}
