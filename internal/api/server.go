package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"adwatch/internal/broadcast"
	"adwatch/internal/insights"
	"adwatch/internal/monitor"
)

// InsightsSource serves aggregated campaign insights.
type InsightsSource interface {
	CampaignInsights(ctx context.Context, req insights.Request) (*insights.Result, error)
	Invalidate(accountID string) int
}

// AlertSource serves and transitions alerts.
type AlertSource interface {
	ListAlerts(ctx context.Context, status string, limit int) ([]monitor.Alert, error)
}

// Resolver acknowledges active alerts.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*monitor.Alert, error)
}

// SyncFunc forces cache invalidation plus re-fetch for one or all accounts,
// optionally scoped to a single provider.
type SyncFunc func(ctx context.Context, accountID, provider string) error

// SnapshotFunc returns the latest aggregated result for new subscribers.
type SnapshotFunc func() *insights.Result

// Options tune the API server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	WindowDays   int
}

// Server exposes the dashboard-facing HTTP and websocket API.
type Server struct {
	opts     Options
	insights InsightsSource
	alerts   AlertSource
	resolver Resolver
	sync     SyncFunc
	snapshot SnapshotFunc
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer wires the API surface.
func NewServer(opts Options, source InsightsSource, alerts AlertSource, resolver Resolver, sync SyncFunc, snapshot SnapshotFunc, hub *broadcast.Hub, logger zerolog.Logger) *Server {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 1
	}
	return &Server{
		opts:     opts,
		insights: source,
		alerts:   alerts,
		resolver: resolver,
		sync:     sync,
		snapshot: snapshot,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard collaborator fronts this service; origin policy
			// is enforced there.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/insights", s.handleInsights).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
	r.HandleFunc("/api/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	// Header timeout only: /ws connections are long-lived, so whole-request
	// read/write timeouts would tear them down.
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
