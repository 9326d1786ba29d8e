// Package service runs the optional healthz and metrics endpoints next to a
// test run.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-composer/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"
)

type Config struct {
	HealthzAddr string // Empty disables the healthz server
	MetricsAddr string // Empty disables the metrics server
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	cfg   Config
	log   log.Logger
	wg    sync.WaitGroup
	addrs map[string]net.Addr
}

func New(cfg Config, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Root()
	}
	return &Service{
		Healthz: NewHealthzServer(logger),
		Metrics: NewMetricsServer(nil),
		cfg:     cfg,
		log:     logger,
		addrs:   make(map[string]net.Addr),
	}
}

// Start binds the configured listeners and serves in the background. Bind
// errors are returned, serve errors are logged.
func (s *Service) Start() error {
	s.log.Info("service starting")

	servers := []struct {
		name  string
		addr  string
		serve func(net.Listener) error
	}{
		{"healthz", s.cfg.HealthzAddr, s.Healthz.Start},
		{"metrics", s.cfg.MetricsAddr, s.Metrics.Start},
	}
	for _, srv := range servers {
		if srv.addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", srv.addr)
		if err != nil {
			return fmt.Errorf("failed to listen for %s server on %s: %w", srv.name, srv.addr, err)
		}
		s.addrs[srv.name] = ln.Addr()
		s.log.Info("starting "+srv.name+" server", "addr", ln.Addr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error running "+srv.name+" server", "err", err)
				metrics.RecordErrorDetails("error running "+srv.name+" server", err)
			}
		}()
	}

	s.log.Info("service started")
	return nil
}

// Addr returns the bound address of the named server ("healthz" or "metrics").
func (s *Service) Addr(name string) net.Addr {
	return s.addrs[name]
}

func (s *Service) Shutdown(ctx context.Context) {
	s.log.Info("service shutting down")

	_ = s.Healthz.Shutdown(ctx)
	s.log.Info("healthz stopped")

	_ = s.Metrics.Shutdown(ctx)
	s.log.Info("metrics stopped")

	s.wg.Wait()
	s.log.Info("service stopped")
}
