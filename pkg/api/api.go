package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/engine"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log                logrus.FieldLogger
	cfg                *config.APIConfig
	engine             *engine.Engine
	maxScreenshotBytes int64
	httpServer         *http.Server
	wg                 sync.WaitGroup
	done               chan struct{}
	stopOnce           sync.Once
}

// NewServer creates a new API server on top of an engine whose store is
// already started.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	eng *engine.Engine,
	maxScreenshotBytes int64,
) Server {
	return newServer(log, cfg, eng, maxScreenshotBytes)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	eng *engine.Engine,
	maxScreenshotBytes int64,
) *server {
	return &server{
		log:                log.WithField("component", "api"),
		cfg:                cfg,
		engine:             eng,
		maxScreenshotBytes: maxScreenshotBytes,
		done:               make(chan struct{}),
	}
}

// Start binds the listener and serves HTTP in the background.
func (s *server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Calling it again is a no-op.
func (s *server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(
				context.Background(), shutdownTimeout,
			)
			defer cancel()

			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.WithError(err).Warn("HTTP server shutdown error")
			}
		}

		s.wg.Wait()

		s.log.Info("API server stopped")
	})

	return nil
}
