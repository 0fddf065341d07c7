package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/cctalk/host/internal/logging"
)

// Server exposes a hub's history and live updates over HTTP: a plain
// JSON/SSE diagnostics surface, no UI.
type Server struct {
	srv *http.Server
	log logging.Logger
}

// NewServer builds an HTTP server serving the hub's history, live and
// config endpoints at addr.
func NewServer(addr string, hub *Hub, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{log: logger.With(logging.Field{Key: "subsystem", Value: "telemetry"})}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/diagnostics", hub.handleDiagnostics)
	mux.HandleFunc("/api/diagnostics/health", hub.handleHealth)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening and shuts down when ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("telemetry server shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("telemetry server error", logging.Field{Key: "error", Value: err})
	}
}
