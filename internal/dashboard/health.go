package dashboard

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is the subset of *store.DB the health endpoint needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BusChecker is the subset of *bus.Client the health endpoint needs.
type BusChecker interface {
	IsConnected() bool
}

// HealthResponse reports the dashboard's own view of its two dependencies.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Bus      string `json:"bus"`
}

// HealthHandler reports "ok" only when both postgres and the MQTT broker
// are reachable; a degraded dependency still returns 200 with status
// "degraded" rather than 503, since the read-only dashboard can keep
// serving whatever the database already has.
func HealthHandler(db HealthChecker, busClient BusChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Database: "ok", Bus: "ok"}

		if err := db.HealthCheck(ctx); err != nil {
			resp.Database = "unreachable"
			resp.Status = "degraded"
		}
		if busClient != nil && !busClient.IsConnected() {
			resp.Bus = "disconnected"
			resp.Status = "degraded"
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}
