// Package healthsrv runs the minimal /healthz HTTP socket the session
// controller exposes for container orchestrator liveness probes —
// just database and bus reachability, no API surface.
package healthsrv

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// DB is the subset of *store.DB this check needs.
type DB interface {
	HealthCheck(ctx context.Context) error
}

// Bus is the subset of *bus.Client this check needs.
type Bus interface {
	IsConnected() bool
}

// Serve starts a tiny HTTP server on port answering GET /healthz, running
// until ctx is cancelled. Intended to be run in its own goroutine.
func Serve(ctx context.Context, port int, db DB, busClient Bus, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := `{"status":"ok"}`
		if err := db.HealthCheck(checkCtx); err != nil {
			status = http.StatusServiceUnavailable
			body = `{"status":"degraded","database":"unreachable"}`
		} else if busClient != nil && !busClient.IsConnected() {
			status = http.StatusServiceUnavailable
			body = `{"status":"degraded","bus":"disconnected"}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		log.Info().Msg("health socket shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
