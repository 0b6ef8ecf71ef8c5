package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/minewatch/internal/api/response"
)

// HealthCheck probes one dependency. A nil Ping reports the dependency as disabled.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// NewHealthHandler reports each dependency as ok, degraded or disabled and
// answers 503 DEGRADED when any configured one fails.
func NewHealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]string, len(checks))
		degraded := false
		for _, c := range checks {
			switch {
			case c.Ping == nil:
				services[c.Name] = "disabled"
			case c.Ping(r.Context()) != nil:
				services[c.Name] = "degraded"
				degraded = true
			default:
				services[c.Name] = "ok"
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
