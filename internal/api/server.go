package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Server runs the HTTP listener as a lifecycle service.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer creates the HTTP server for the given handler.
func NewServer(cfg config.HTTPConfig, handler http.Handler, log *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log,
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("http server shutdown incomplete", zap.Error(err))
	}
}
