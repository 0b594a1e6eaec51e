// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

// Package filesink exposes each unit's accumulated energy as a flat
// file that consumers re-read in full, holding a single literal value
// such as "1042 Joules".
package filesink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hewlettpackard/ecounter/internal/service"
)

// Sink owns one output file per registered unit address, named
// <addr>_energy, each overwritten in place every cycle. Totals are
// monotonic so the text never shrinks and no truncation is needed
// between writes.
type Sink struct {
	logger *slog.Logger
	dir    string
	addrs  []string
	files  map[string]*os.File
}

var (
	_ service.Initializer = (*Sink)(nil)
	_ service.Shutdowner  = (*Sink)(nil)
)

// OptionFn sets an option on a Sink.
type OptionFn func(*Sink)

// WithLogger sets the logger for the Sink
func WithLogger(logger *slog.Logger) OptionFn {
	return func(s *Sink) {
		s.logger = logger.With("service", s.Name())
	}
}

// New creates a sink writing the units with the given addresses below
// dir. The directory must already exist; creating it is the
// operator's choice of mount point, typically a tmpfs.
func New(dir string, addrs []string, opts ...OptionFn) *Sink {
	s := &Sink{
		logger: slog.Default().With("service", "filesink"),
		dir:    dir,
		addrs:  addrs,
		files:  map[string]*os.File{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Name() string {
	return "filesink"
}

// Init verifies the destination directory and opens one file per
// registered address.
func (s *Sink) Init() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("output directory %s is not accessible: %w", s.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", s.dir)
	}

	for _, addr := range s.addrs {
		path := filepath.Join(s.dir, addr+"_energy")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			s.closeAll()
			return fmt.Errorf("opening output file %s: %w", path, err)
		}
		s.files[addr] = f
	}

	s.logger.Debug("output files opened", "dir", s.dir, "count", len(s.files))
	return nil
}

// Write overwrites the unit's file with its accumulated total.
func (s *Sink) Write(addr string, joules uint64) error {
	f, ok := s.files[addr]
	if !ok {
		return fmt.Errorf("no output file registered for %s", addr)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding output file of %s: %w", addr, err)
	}
	if _, err := fmt.Fprintf(f, "%d Joules", joules); err != nil {
		return fmt.Errorf("writing output file of %s: %w", addr, err)
	}
	return nil
}

// Shutdown closes all output files.
func (s *Sink) Shutdown() error {
	s.logger.Info("closing output files")
	s.closeAll()
	return nil
}

func (s *Sink) closeAll() {
	for addr, f := range s.files {
		if err := f.Close(); err != nil {
			s.logger.Warn("closing output file failed", "addr", addr, "error", err)
		}
	}
	s.files = map[string]*os.File{}
}
