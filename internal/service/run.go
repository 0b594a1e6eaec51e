// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs all services that implement Runner until the first of them
// returns. When any runner stops, every other service is interrupted
// and services implementing Shutdowner are cleaned up.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping service", "service", s.Name(),
				"reason", "service does not implement Runner")
			continue
		}

		svc := s
		r := runner
		g.Add(
			func() error {
				logger.Info("Running service", "service", svc.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", svc.Name(), "reason", err)
				}

				shutdowner, ok := svc.(Shutdowner)
				if !ok {
					return
				}

				logger.Info("shutting down", "service", svc.Name())
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					logger.Warn("service shutdown failed", "service", svc.Name(), "error", shutdownErr)
				}
			},
		)
	}

	err := g.Run()

	// Runners were cleaned up by their interrupt callbacks. Services
	// that only initialize, such as sinks, still hold resources; close
	// them in reverse order before returning.
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		if _, ok := s.(Runner); ok {
			continue
		}
		shutdowner, ok := s.(Shutdowner)
		if !ok {
			continue
		}

		logger.Info("shutting down", "service", s.Name())
		if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
			logger.Warn("service shutdown failed", "service", s.Name(), "error", shutdownErr)
		}
	}

	return err
}
