// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exposes the accumulated energy counters and the
// overhead estimate on a Prometheus metrics endpoint.
package prometheus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hewlettpackard/ecounter/internal/service"
)

// SnapshotProvider hands out the state of the last completed sampling
// cycle.
type SnapshotProvider interface {
	Snapshot() *Snapshot
}

// Exporter serves /metrics with one counter per unit plus the
// overhead statistics.
type Exporter struct {
	logger   *slog.Logger
	provider SnapshotProvider
	registry *prometheus.Registry
	server   *http.Server
	listen   string
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ service.Runner      = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
)

// Opts holds the optional Exporter settings
type Opts struct {
	logger *slog.Logger
	listen string
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		listen: ":28282",
	}
}

// OptionFn sets one or more options in the Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListenAddress sets the address the metrics endpoint binds to
func WithListenAddress(addr string) OptionFn {
	return func(o *Opts) {
		o.listen = addr
	}
}

// NewExporter creates a metrics endpoint over the given provider.
func NewExporter(provider SnapshotProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "prometheus"),
		provider: provider,
		registry: prometheus.NewRegistry(),
		listen:   opts.listen,
	}
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func (e *Exporter) Init() error {
	if err := e.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := e.registry.Register(NewCollector(e.provider)); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{
		Addr:              e.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("metrics endpoint listening", "address", e.listen)
		errCh <- e.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (e *Exporter) Shutdown() error {
	if e.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return e.server.Shutdown(ctx)
}
