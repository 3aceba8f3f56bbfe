// Package status exposes the engine's runtime state over HTTP: a one-shot
// JSON endpoint for scripts, and a WebSocket stream for dashboards that
// want to follow a catch-up or re-seed live.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rocksbridge/rocksbridge/pkg/engine"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultWatchInterval   = time.Second
)

// Snapshotter is the engine-facing surface the server reads from.
type Snapshotter interface {
	Snapshot() engine.Snapshot
}

type Server struct {
	src           Snapshotter
	log           zerolog.Logger
	httpServer    *http.Server
	watchInterval time.Duration
	upgrader      websocket.Upgrader
}

func NewServer(addr string, src Snapshotter, log zerolog.Logger) *Server {
	s := &Server{
		src:           src,
		log:           log.With().Str("component", "status").Logger(),
		watchInterval: defaultWatchInterval,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/watch", s.handleWatch)
	return r
}

// Start begins serving in the background. Listen errors after startup are
// logged, not returned; the status surface is best-effort and must never
// take the sync loop down with it.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("status server stopped")
		}
	}()
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.src.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("encoding status response")
	}
}

// handleWatch upgrades to WebSocket and pushes a snapshot every interval
// until the client goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain control frames so pongs and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(s.src.Snapshot()); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
