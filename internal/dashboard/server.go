// Package dashboard serves the read-only HTTP surface over the collected
// mindgraph state: session listings, a session's approved node tree, the
// latest content snapshot, and the agent heartbeat board, plus the static
// single-page viewer and a prometheus /metrics endpoint.
package dashboard

import (
	"context"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/config"
	"github.com/collective/mindgraph-engine/internal/metrics"
	"github.com/collective/mindgraph-engine/internal/store"
)

// Store is the subset of *store.DB the dashboard reads from.
type Store interface {
	HealthChecker
	ListSessions(ctx context.Context, limit int) ([]store.Session, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	AllNodes(ctx context.Context, sessionID string) ([]store.GraphNode, error)
	LatestTranscripts(ctx context.Context, sessionID string, limit int) ([]store.Transcript, error)
	LatestSnapshot(ctx context.Context, sessionID string) (*store.Snapshot, error)
}

// Server is the dashboard's HTTP surface.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Options configures NewServer.
type Options struct {
	Config   *config.Config
	Store    Store
	Bus      BusChecker // nil if the dashboard doesn't hold a live bus connection
	Board    *AgentBoard
	WebFiles fs.FS
	Log      zerolog.Logger
}

// NewServer builds the router and wraps it in an *http.Server bound to
// cfg.DashboardPort. Call Run to begin serving.
func NewServer(opts Options) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(opts.Log))
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(corsMiddleware(opts.Config.CORSOrigins))

	r.Get("/healthz", HealthHandler(opts.Store, opts.Bus))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(BearerAuth(opts.Config.AuthToken))
		api.Get("/sessions", listSessionsHandler(opts.Store))
		api.Get("/sessions/{sessionID}", getSessionHandler(opts.Store))
		api.Get("/snapshots/latest", latestSnapshotHandler(opts.Store))
		api.Get("/agents", listAgentsHandler(opts.Board))
	})

	r.Get("/auth-init", authInitHandler(opts.Config))

	webFS, err := fs.Sub(opts.WebFiles, "web")
	if err == nil {
		r.Handle("/*", http.FileServer(http.FS(webFS)))
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(opts.Config.DashboardPort),
		Handler:      r,
		ReadTimeout:  opts.Config.HTTPReadTimeout,
		WriteTimeout: opts.Config.HTTPWriteTimeout,
		IdleTimeout:  opts.Config.HTTPIdleTimeout,
	}

	return &Server{http: srv, log: opts.Log}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("dashboard listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info().Msg("dashboard shutting down")
		return s.http.Shutdown(shutdownCtx)
	}
}

func corsMiddleware(origins string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if len(allowed) == 0 || allowed[origin] {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authInitHandler returns the dashboard's auth token so the static page's
// own script can bootstrap an authenticated session without the operator
// hand-editing a header.
func authInitHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"auth_required": cfg.AuthToken != "",
			"token":         cfg.AuthToken,
		})
	}
}

func listSessionsHandler(st Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := ParsePagination(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		sessions, err := st.ListSessions(r.Context(), page.Limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		WriteJSON(w, http.StatusOK, toSessionViews(sessions))
	}
}

func getSessionHandler(st Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := PathString(r, "sessionID")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		session, err := st.GetSession(r.Context(), sessionID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if session == nil {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		nodes, err := st.AllNodes(r.Context(), sessionID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load session nodes")
			return
		}
		transcripts, err := st.LatestTranscripts(r.Context(), sessionID, 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load transcripts")
			return
		}
		WriteJSON(w, http.StatusOK, sessionDetailView{
			Session:     toSessionView(*session),
			Nodes:       toNodeViews(nodes),
			Transcripts: toTranscriptViews(transcripts),
		})
	}
}

func latestSnapshotHandler(st Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		snap, err := st.LatestSnapshot(r.Context(), sessionID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load snapshot")
			return
		}
		if snap == nil {
			WriteError(w, http.StatusNotFound, "no snapshot recorded yet")
			return
		}
		WriteJSON(w, http.StatusOK, toSnapshotView(*snap))
	}
}

func listAgentsHandler(board *AgentBoard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if board == nil {
			WriteJSON(w, http.StatusOK, []AgentStatus{})
			return
		}
		WriteJSON(w, http.StatusOK, board.Snapshot())
	}
}
