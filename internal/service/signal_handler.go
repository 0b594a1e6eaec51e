// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// SignalHandler is a runner that completes when one of the registered
// signals is delivered, triggering an orderly shutdown of the run
// group.
type SignalHandler struct {
	logger  *slog.Logger
	signals []os.Signal
}

var _ Runner = (*SignalHandler)(nil)

func NewSignalHandler(logger *slog.Logger, signals ...os.Signal) *SignalHandler {
	return &SignalHandler{
		logger:  logger,
		signals: signals,
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		sh.logger.Info("received signal, shutting down", "signal", sig.String())
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
