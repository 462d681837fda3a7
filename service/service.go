// Package service runs the HTTP sidecars of a long-running pysys instance:
// a healthz endpoint for liveness probes and a Prometheus metrics endpoint.
package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/eshch/pysys/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"
)

type Service struct {
	logger  log.Logger
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(logger log.Logger) *Service {
	return &Service{
		logger:  logger,
		Healthz: &HealthzServer{},
		Metrics: &MetricsServer{},
	}
}

// Start brings up the servers given a non-empty address. Listen errors are
// logged and counted, not fatal: a busy port must not kill a test run.
func (s *Service) Start(ctx context.Context, healthzAddr, metricsAddr string) {
	s.logger.Info("service starting")

	if healthzAddr != "" {
		go func() {
			s.logger.Info("starting healthz server", "addr", healthzAddr)
			if err := s.Healthz.Start(ctx, healthzAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("error starting healthz server", "err", err)
				metrics.RecordErrorDetails("error starting healthz server", err)
			}
		}()
	}

	if metricsAddr != "" {
		go func() {
			s.logger.Info("starting metrics server", "addr", metricsAddr)
			if err := s.Metrics.Start(ctx, metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("error starting metrics server", err)
			}
		}()
	}

	s.logger.Info("service started")
}

// Shutdown stops whichever servers were started.
func (s *Service) Shutdown() {
	s.logger.Info("service shutting down")

	if err := s.Healthz.Shutdown(); err != nil {
		s.logger.Error("error stopping healthz server", "err", err)
	}
	if err := s.Metrics.Shutdown(); err != nil {
		s.logger.Error("error stopping metrics server", "err", err)
	}

	s.logger.Info("service stopped")
}
