// Package server wraps an HTTP listener with context-driven graceful
// shutdown so admin endpoints drain inside the host's stop budget.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/petrel-io/petrel/common/logger"
)

const defaultDrainTimeout = 2 * time.Second

// Server wraps an HTTP server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string

	// DrainTimeout bounds how long outstanding requests may run once
	// shutdown starts.
	DrainTimeout time.Duration
}

// New creates a server on the given port. The name only labels logs.
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:          log,
		name:         name,
		DrainTimeout: defaultDrainTimeout,
	}
}

// Start serves until ctx is done, then drains and stops. A nil return
// means the server stopped cleanly.
func (s *Server) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", s.name, err)

	case <-ctx.Done():
		s.log.Info(fmt.Sprintf("%s stopping", s.name))

		drainCtx, cancel := context.WithTimeout(context.Background(), s.DrainTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.log.Error("graceful shutdown failed", "server", s.name, "error", err)
			if err := s.httpServer.Close(); err != nil {
				return fmt.Errorf("%s: close: %w", s.name, err)
			}
		}
		s.log.Info(fmt.Sprintf("%s stopped", s.name))
	}

	return nil
}
