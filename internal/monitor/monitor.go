// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hewlettpackard/ecounter/internal/device"
	"github.com/hewlettpackard/ecounter/internal/service"
	"k8s.io/utils/clock"
)

// Monitor drives one pass over every component group per interval:
// sample each unit's counter, fold the interval energy into its
// accumulator, hand the total to the sink, and run the overhead
// estimator once per cycle when a node power probe is configured.
//
// Collection is strictly sequential; units are never mutated
// concurrently. Counter reads are synchronous and may block, which is
// accepted: a slow device read simply delays the rest of that cycle.
type Monitor struct {
	logger   *slog.Logger
	groups   []*device.Group
	sink     Sink
	probe    NodePowerProbe
	interval time.Duration
	clock    clock.WithTicker
	verbose  bool

	overhead *OverheadStats
	snapshot atomic.Pointer[Snapshot]
}

var (
	_ service.Runner     = (*Monitor)(nil)
	_ service.Shutdowner = (*Monitor)(nil)
)

// Opts holds the optional Monitor settings
type Opts struct {
	logger   *slog.Logger
	clock    clock.WithTicker
	probe    NodePowerProbe
	interval time.Duration
	verbose  bool
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		interval: 10 * time.Second,
	}
}

// OptionFn sets one or more options in the Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Monitor
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock driving the sampling loop
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the time between two collection cycles
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithNodePowerProbe enables the overhead estimator
func WithNodePowerProbe(p NodePowerProbe) OptionFn {
	return func(o *Opts) {
		o.probe = p
	}
}

// WithVerbose logs every unit's reading each cycle
func WithVerbose(v bool) OptionFn {
	return func(o *Opts) {
		o.verbose = v
	}
}

// NewMonitor creates a sampling loop over the given groups, writing
// totals to the sink.
func NewMonitor(groups []*device.Group, sink Sink, applyOpts ...OptionFn) *Monitor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Monitor{
		logger:   opts.logger.With("service", "monitor"),
		groups:   groups,
		sink:     sink,
		probe:    opts.probe,
		interval: opts.interval,
		clock:    opts.clock,
		verbose:  opts.verbose,
		overhead: NewOverheadStats(),
	}
}

func (m *Monitor) Name() string {
	return "monitor"
}

// Run collects immediately and then once per interval until the
// context is canceled or a cycle fails. Any error is fatal: telemetry
// must never silently report incorrect energy values, so no retries
// and no degraded mode.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor is running", "groups", len(m.groups), "interval", m.interval)

	if err := m.Collect(); err != nil {
		return err
	}

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor has terminated")
			return ctx.Err()

		case <-ticker.C():
			if err := m.Collect(); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) Shutdown() error {
	for _, g := range m.groups {
		if err := g.Source.Close(); err != nil {
			m.logger.Warn("closing counter source failed", "source", g.Source.Name(), "error", err)
		}
	}
	return nil
}

// Snapshot returns the state of the last completed cycle, or nil when
// no cycle has completed yet.
func (m *Monitor) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// Collect runs one full sampling cycle over every group.
func (m *Monitor) Collect() error {
	var cycleEnergy device.Energy

	for _, g := range m.groups {
		for _, u := range g.Units {
			if err := m.collectUnit(g, u); err != nil {
				return err
			}
		}
		// Sink writes happen after the whole group updated so a paired
		// unit is never published with a stale interval.
		for _, u := range g.Units {
			cycleEnergy += u.EnergyInterval
			if err := m.sink.Write(u.Addr, uint64(u.EnergyAcc.Joules())); err != nil {
				return fmt.Errorf("writing total of %s: %w", u.Addr, err)
			}
			m.logUnit(g, u)
		}
	}

	var overhead *OverheadReading
	if m.probe != nil {
		reading, err := m.updateOverhead(cycleEnergy)
		if err != nil {
			return err
		}
		overhead = reading
	}

	m.snapshot.Store(m.newSnapshot(overhead))
	return nil
}

// collectUnit samples one unit. A unit holding a peer link shares its
// counter with that peer: both dies' utilization is read first and the
// pair is updated atomically by the splitter. A unit held by an
// earlier-indexed holder was already written this cycle and performs
// no independent computation.
func (m *Monitor) collectUnit(g *device.Group, u *device.Unit) error {
	if u.Holder != device.NoPeer {
		return nil
	}

	if u.Peer == device.NoPeer {
		s, err := g.Source.ReadCounter(u.ID)
		if err != nil {
			return err
		}
		return u.Accumulate(s, g.Source.CounterWidth())
	}

	if g.Util == nil {
		return fmt.Errorf("group %s/%s has paired units but no utilization source", g.Vendor, g.Kind)
	}
	peer := g.Units[u.Peer]

	for _, die := range []*device.Unit{u, peer} {
		busy, err := g.Util.ReadBusyPercent(die.ID)
		if err != nil {
			return err
		}
		die.BusyPercent = busy
	}

	s, err := g.Source.ReadCounter(u.ID)
	if err != nil {
		return err
	}
	return device.SplitPaired(u, peer, s, g.Source.CounterWidth())
}

func (m *Monitor) updateOverhead(cycleEnergy device.Energy) (*OverheadReading, error) {
	nodePower, err := m.probe.Read()
	if err != nil {
		return nil, fmt.Errorf("reading node power: %w", err)
	}

	measured := device.Power(float64(cycleEnergy) / m.interval.Seconds())
	m.overhead.Update(nodePower, measured)

	if !m.overhead.Initialized() {
		return nil, nil
	}

	m.logger.Info("Power overhead",
		"node", nodePower,
		"measured", measured,
		"min", m.overhead.Min(),
		"max", m.overhead.Max(),
		"avg", m.overhead.Average(),
	)

	return &OverheadReading{
		NodePower: nodePower,
		Min:       m.overhead.Min(),
		Max:       m.overhead.Max(),
		Average:   m.overhead.Average(),
		Samples:   m.overhead.Samples(),
	}, nil
}

func (m *Monitor) newSnapshot(overhead *OverheadReading) *Snapshot {
	snapshot := &Snapshot{
		Timestamp: m.clock.Now(),
		Overhead:  overhead,
	}
	for _, g := range m.groups {
		for _, u := range g.Units {
			snapshot.Units = append(snapshot.Units, UnitReading{
				Kind:           g.Kind,
				Vendor:         g.Vendor,
				Addr:           u.Addr,
				EnergyAcc:      u.EnergyAcc,
				EnergyInterval: u.EnergyInterval,
			})
		}
	}
	return snapshot
}

func (m *Monitor) logUnit(g *device.Group, u *device.Unit) {
	if !m.verbose {
		m.logger.Debug("unit sampled", "addr", u.Addr, "interval", u.EnergyInterval, "total", u.EnergyAcc)
		return
	}
	m.logger.Info("unit sampled",
		"vendor", g.Vendor,
		"kind", g.Kind,
		"addr", u.Addr,
		"interval", u.EnergyInterval,
		"total", u.EnergyAcc,
		"raw", u.LastRaw,
	)
}
