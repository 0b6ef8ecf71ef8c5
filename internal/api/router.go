package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/minewatch/internal/api/middleware"
	"github.com/kiranshivaraju/minewatch/internal/api/response"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth       *mw.JWTAuth
	DeviceAuth *mw.DeviceAuth
	RateLimit  *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitUpload  http.HandlerFunc
	SubmitURL     http.HandlerFunc
	SubmitBBox    http.HandlerFunc
	SubmitReport  http.HandlerFunc
	ListJobs      http.HandlerFunc
	GetJob        http.HandlerFunc
	JobStatus     http.HandlerFunc
	JobDetections http.HandlerFunc
	ListAlerts    http.HandlerFunc
	CreateAlert   http.HandlerFunc
	AckAlert      http.HandlerFunc
	IngestReading http.HandlerFunc
	ListReadings  http.HandlerFunc
	Heatmap       http.HandlerFunc
	CreateKey     http.HandlerFunc
	ListKeys      http.HandlerFunc
	RevokeKey     http.HandlerFunc
	AlertsSocket  http.HandlerFunc
	IoTSocket     http.HandlerFunc
	VisualSocket  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Subscribers authenticate inside the handler so a bad token gets a close code.
	r.Get("/ws/alerts", orNotImplemented(deps.AlertsSocket))
	r.Get("/ws/iot", orNotImplemented(deps.IoTSocket))
	r.Get("/ws/visualization", orNotImplemented(deps.VisualSocket))

	// Job submission accepts anonymous callers.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Optional)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs/detection", orNotImplemented(deps.SubmitUpload))
		r.Post("/api/v1/jobs/detection/url", orNotImplemented(deps.SubmitURL))
		r.Post("/api/v1/jobs/detection/bbox", orNotImplemented(deps.SubmitBBox))
		r.Post("/api/v1/jobs/report", orNotImplemented(deps.SubmitReport))

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatus))
		r.Get("/api/v1/jobs/{jobID}/detections", orNotImplemented(deps.JobDetections))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/alerts", orNotImplemented(deps.ListAlerts))
		r.Post("/api/v1/alerts/{alertID}/ack", orNotImplemented(deps.AckAlert))
		r.Get("/api/v1/iot/readings", orNotImplemented(deps.ListReadings))
		r.Post("/api/v1/visualization/heatmap", orNotImplemented(deps.Heatmap))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(models.RoleAuthority))

			r.Post("/api/v1/alerts", orNotImplemented(deps.CreateAlert))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKey))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeys))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKey))
		})
	})

	// Field devices
	r.Group(func(r chi.Router) {
		r.Use(deps.DeviceAuth.Authenticate)
		r.Use(deps.DeviceAuth.RequireScope(models.ScopeIngest))
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/iot/readings", orNotImplemented(deps.IngestReading))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
