// Package server provides process lifecycle management for the engine: the
// transport and game loop run as services that are started in order, and a
// termination signal or the exit of any service stops them in reverse order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long shutdown waits for one service's Start to return.
const DefaultStopTimeout = 5 * time.Second

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service. It blocks until the service is stopped, finishes
	// on its own, or fails.
	Start() error
	// Stop asks the service to return from Start.
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
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger      *zap.Logger
	services    []namedService
	stopTimeout time.Duration
	mu          sync.Mutex
}

type namedService struct {
	name    string
	service Service
	done    chan struct{}
}

type exit struct {
	name string
	err  error
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:      logger,
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout changes how long shutdown waits for each service to return.
//
// Precondition: d > 0.
func (l *Lifecycle) SetStopTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimeout = d
}

// Add registers a named service for lifecycle management.
// Services are started in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts all services and blocks until SIGINT or SIGTERM is received,
// ctx is cancelled, or any service returns from Start. Services are then
// stopped in reverse order.
//
// Postcondition: All services are stopped when this method returns. Returns
// the first service error, or nil when every service exited cleanly.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	l.mu.Lock()
	services := make([]namedService, len(l.services))
	copy(services, l.services)
	l.mu.Unlock()

	exitCh := make(chan exit, len(services))
	for i := range services {
		services[i].done = make(chan struct{})
		ns := services[i]
		go func() {
			defer close(ns.done)
			l.logger.Info("starting service",
				zap.String("service", ns.name),
			)
			svcStart := time.Now()
			err := ns.service.Start()
			if err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				err = fmt.Errorf("service %s: %w", ns.name, err)
			}
			exitCh <- exit{name: ns.name, err: err}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case ex := <-exitCh:
		runErr = ex.err
		if ex.err != nil {
			l.logger.Error("service error, shutting down",
				zap.Error(ex.err),
			)
		} else {
			l.logger.Info("service exited, shutting down",
				zap.String("service", ex.name),
			)
		}
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.shutdown(services)

	// A service that failed while others were being stopped still counts.
	if runErr == nil {
	drain:
		for {
			select {
			case ex := <-exitCh:
				if ex.err != nil {
					runErr = ex.err
					break drain
				}
			default:
				break drain
			}
		}
	}

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	l.mu.Lock()
	timeout := l.stopTimeout
	l.mu.Unlock()

	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service",
			zap.String("service", ns.name),
		)
		ns.service.Stop()

		timer := time.NewTimer(timeout)
		select {
		case <-ns.done:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		case <-timer.C:
			l.logger.Warn("service did not stop in time",
				zap.String("service", ns.name),
				zap.Duration("timeout", timeout),
			)
		}
		timer.Stop()
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
