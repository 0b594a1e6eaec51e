// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"time"

	"github.com/hewlettpackard/ecounter/internal/device"
)

// Sink accepts per-unit Joule totals for external consumption. A sink
// error is fatal to the whole process: energy accounting cannot
// meaningfully continue without observable output.
type Sink interface {
	// Write overwrites the destination of the given unit address with
	// the accumulated total.
	Write(addr string, joules uint64) error
}

// NodePowerProbe reports the externally measured instantaneous power
// of the whole node. Invoked at most once per cycle when configured;
// any failure is fatal.
type NodePowerProbe interface {
	Read() (device.Power, error)
}

// UnitReading is the exported state of one unit after a cycle.
type UnitReading struct {
	Kind           string
	Vendor         string
	Addr           string
	EnergyAcc      device.Energy
	EnergyInterval device.Energy
}

// OverheadReading is the exported state of the overhead estimator.
type OverheadReading struct {
	NodePower device.Power
	Min       device.Power
	Max       device.Power
	Average   device.Power
	Samples   uint64
}

// Snapshot is an immutable view of the last completed cycle, consumed
// by exporters.
type Snapshot struct {
	Timestamp time.Time
	Units     []UnitReading

	// Overhead is nil until the estimator has seen a non-degenerate
	// sample, and always nil when no node power probe is configured.
	Overhead *OverheadReading
}
