package handler

import (
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/minewatch/internal/api/response"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
)

type heatmapPoint struct {
	Lat       *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon       *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	Intensity float64  `json:"intensity" validate:"gte=0,lte=1"`
}

type heatmapRequest struct {
	Action string       `json:"action" validate:"required,oneof=add remove"`
	Point  heatmapPoint `json:"point" validate:"required"`
}

// NewHeatmapHandler returns the handler for POST /api/v1/visualization/heatmap.
// It emits heatmap.add or heatmap.remove on the visualization channel.
func NewHeatmapHandler(n realtime.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req heatmapRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		ev := realtime.Event{Type: "heatmap." + req.Action, Payload: req.Point}
		if err := n.Notify(r.Context(), realtime.ChannelVisualization, ev); err != nil {
			slog.Error("heatmap notify failed", "action", req.Action, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "NOTIFY_FAILED", "Event could not be delivered", nil)
			return
		}
		response.Accepted(w, map[string]bool{"sent": true})
	}
}
