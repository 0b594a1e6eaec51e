// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"
	"os"
)

// Init initializes all services that implement Initializer, in order.
// If any service fails, the previously initialized services that
// implement Shutdowner are shut down in reverse before the error is
// returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	var retErr error
	initialized := make([]Service, 0, len(services))

	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			logger.Debug("skipping service initialization", "service", s.Name(),
				"reason", "service does not implement Initializer")
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			retErr = fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			break
		}
		initialized = append(initialized, s)
	}

	if retErr == nil {
		return nil
	}

	logger.Info("Shutting down initialized services")
	for i := len(initialized) - 1; i >= 0; i-- {
		srv, ok := initialized[i].(Shutdowner)
		if !ok {
			continue
		}
		if err := srv.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", initialized[i].Name(), "error", err)
		}
	}
	return retErr
}
