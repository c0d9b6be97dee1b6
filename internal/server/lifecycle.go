// Package server provides application lifecycle management including
// graceful startup and shutdown with signal handling.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start begins the service. It should block until the service is stopped
	// or an error occurs.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in the order they were added and stopped in
// reverse order. Not safe for concurrent use: register every service
// before calling Run.
type Lifecycle struct {
	logger   *zap.Logger
	names    []string
	services []Service
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service for lifecycle management.
//
// Precondition: name must be non-empty; svc must be non-nil; Run must not
// have been called yet.
func (l *Lifecycle) Add(name string, svc Service) {
	l.names = append(l.names, name)
	l.services = append(l.services, svc)
}

// Run starts all services and blocks until a termination signal is received
// (SIGINT or SIGTERM), the context is cancelled, or a service fails. It then
// stops services in reverse order.
//
// Postcondition: All services are stopped when this method returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(l.services))
	for i, svc := range l.services {
		name, svc := l.names[i], svc
		go func() {
			l.logger.Info("starting service", zap.String("service", name))
			svcStart := time.Now()
			if err := svc.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", name, err)
				cancel()
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(l.services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(err))
		runErr = err
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.stopAll()

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) stopAll() {
	for i := len(l.services) - 1; i >= 0; i-- {
		name := l.names[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", name))
		l.services[i].Stop()
		l.logger.Info("service stopped",
			zap.String("service", name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
}
