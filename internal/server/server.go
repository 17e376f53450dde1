// Package server wires the control façade's handlers onto an http.Server
// with graceful shutdown, following the teacher's server/routes split.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/control"
)

// Server manages the HTTP listener for the control API.
type Server struct {
	handlers *control.Handlers
	stream   *control.EventStream
	logger   arbor.ILogger
	cfg      *common.ServerConfig
	router   *http.ServeMux
	server   *http.Server
}

// New builds a Server bound to the given handlers and event stream.
func New(cfg *common.ServerConfig, handlers *control.Handlers, stream *control.EventStream, logger arbor.ILogger) *Server {
	s := &Server{handlers: handlers, stream: stream, logger: logger, cfg: cfg}
	s.router = s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/process", s.handlers.HandleProcess)
	mux.HandleFunc("/process_multiple", s.handlers.HandleProcessMultiple)
	mux.HandleFunc("/toggle_pause/", s.handlers.HandleTogglePause)
	mux.HandleFunc("/delete_site/", s.handlers.HandleDeleteSite)
	mux.HandleFunc("/restart_crawl/", s.handlers.HandleRestartCrawl)
	mux.HandleFunc("/status/", s.handlers.HandleStatus)
	mux.HandleFunc("/sites", s.handlers.HandleSites)
	mux.HandleFunc("/healthz", s.handlers.HandleHealthz)
	mux.HandleFunc("/ws", s.stream.HandleWebSocket)

	return mux
}

// Start runs the HTTP server until it is shut down. Callers should invoke
// it in its own goroutine and use Shutdown to stop it.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.server.Addr).Msg("control API starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("control API shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
