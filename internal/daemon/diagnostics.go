package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/pkg/state"
	"github.com/rs/zerolog"
)

// DiagnosticsServer exposes metrics, liveness and channel state over HTTP.
type DiagnosticsServer struct {
	addr    string
	tracker *state.Tracker
	logger  zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewDiagnosticsServer creates a server bound to addr on Start.
func NewDiagnosticsServer(addr string, tracker *state.Tracker, logger zerolog.Logger) *DiagnosticsServer {
	return &DiagnosticsServer{addr: addr, tracker: tracker, logger: logger}
}

// Handler returns the diagnostics routes.
func (s *DiagnosticsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.tracker.Snapshot())
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *DiagnosticsServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Diagnostics server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *DiagnosticsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *DiagnosticsServer) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown diagnostics server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
