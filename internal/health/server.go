package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Server exposes the agent's liveness, its last known state, Prometheus
// metrics and the live event stream.
type Server struct {
	addr    string
	status  func() any
	metrics http.Handler
	hub     *Hub

	running     atomic.Bool
	lastCycleOK atomic.Bool
	lastCycle   atomic.Int64
}

// New builds a server listening on addr. status supplies the /status body;
// metrics and hub may be nil.
func New(addr string, status func() any, metrics http.Handler, hub *Hub) *Server {
	return &Server{addr: addr, status: status, metrics: metrics, hub: hub}
}

func (s *Server) SetRunning(ok bool) {
	s.running.Store(ok)
}

// MarkCycle records the completion of a monitoring cycle.
func (s *Server) MarkCycle(at time.Time, ok bool) {
	s.lastCycle.Store(at.Unix())
	s.lastCycleOK.Store(ok)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	return mux
}

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"running":       s.running.Load(),
		"last_cycle_ok": s.lastCycleOK.Load(),
	}
	if ts := s.lastCycle.Load(); ts > 0 {
		resp["last_cycle"] = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	code := http.StatusOK
	if !s.running.Load() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no status available"})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encode response failed")
	}
}
