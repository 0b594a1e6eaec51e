// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// MockSource produces synthetic energy counters for units with a fixed
// power draw. Each unit's counter advances by watts multiplied by the
// wall time elapsed since the source was initialized, with a resolution
// of one Joule per count. Useful to validate consumers of the output
// files without hardware access.
type MockSource struct {
	logger *slog.Logger
	clock  clock.PassiveClock
	watts  []uint32
	units  []*Unit
	epoch  time.Time
}

var _ CounterSource = (*MockSource)(nil)

// MockOptionFn sets an option on a MockSource.
type MockOptionFn func(*MockSource)

// WithMockLogger sets the logger.
func WithMockLogger(logger *slog.Logger) MockOptionFn {
	return func(s *MockSource) {
		s.logger = logger.With("source", s.Name())
	}
}

// WithMockClock sets the clock driving the synthetic counters.
func WithMockClock(c clock.PassiveClock) MockOptionFn {
	return func(s *MockSource) {
		s.clock = c
	}
}

// NewMockSource creates a source with one unit per configured fixed
// power draw.
func NewMockSource(watts []uint32, opts ...MockOptionFn) *MockSource {
	s := &MockSource{
		logger: slog.Default(),
		clock:  clock.RealClock{},
		watts:  watts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", s.Name())
	return s
}

func (s *MockSource) Name() string {
	return "mock"
}

func (s *MockSource) Available() bool {
	return len(s.watts) > 0
}

func (s *MockSource) Init() error {
	// Back-dated so the very first read is non-zero and therefore a
	// usable baseline; a raw value of zero would read as "no baseline
	// yet" and cost an extra cycle. The constant offset cancels out in
	// the deltas.
	s.epoch = s.clock.Now().Add(-time.Second)
	for i := range s.watts {
		s.units = append(s.units, NewUnit(i, fmt.Sprintf("mock_%d", i)))
	}
	s.logger.Debug("mock source initialized", "units", len(s.units))
	return nil
}

func (s *MockSource) Units() []*Unit {
	return s.units
}

// ReadCounter returns the synthetic Joule counter of a mock unit.
func (s *MockSource) ReadCounter(id int) (Sample, error) {
	if id < 0 || id >= len(s.watts) {
		return Sample{}, fmt.Errorf("mock: unknown unit id %d", id)
	}

	now := s.clock.Now()
	elapsed := now.Sub(s.epoch).Seconds()

	return Sample{
		Raw:        uint64(float64(s.watts[id]) * elapsed),
		Resolution: 1.0,
		Timestamp:  uint64(now.UnixNano()),
	}, nil
}

func (s *MockSource) CounterWidth() uint {
	return 64
}

func (s *MockSource) Close() error {
	return nil
}
