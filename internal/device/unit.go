// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
)

// NoPeer marks a unit that does not share its energy counter with
// another unit.
const NoPeer = -1

// Unit is one physical or logical energy reporting entity: a CPU package,
// a DRAM controller, a GPU die or a mock device. A Unit is created once
// during discovery and mutated every sampling cycle by its group's
// counter source.
type Unit struct {
	// ID is the index of the unit within its component group.
	ID int

	// Addr is a stable, human identifiable address (PCI bus id, package
	// index or mock index) used to key the unit's output destination.
	Addr string

	// Serial identifies the physical board a unit sits on. Two units
	// reporting the same serial share one energy counter.
	Serial string

	// Model is the device model id. Used to recognize dual-die parts.
	Model uint32

	// Peer is the ID of the later-indexed unit sharing this unit's
	// counter, or NoPeer. Only the earlier-indexed unit of a pair holds
	// the link.
	Peer int

	// Holder is the ID of the earlier-indexed unit whose counter this
	// unit shares, or NoPeer. A unit with a holder performs no
	// independent computation; it is only written to by the holder's
	// update.
	Holder int

	// LastRaw is the previous raw counter value. Zero means no baseline
	// has been recorded yet.
	LastRaw uint64

	// Resolution is the scale factor from one raw counter increment to
	// Joules. Zero until discovered; once non-zero it is never
	// re-fetched.
	Resolution float64

	// Timestamp is the device timestamp of the last sample in
	// nanoseconds.
	Timestamp uint64

	// BusyPercent is the utilization of the unit (0-100). Only
	// meaningful for split-model devices.
	BusyPercent uint32

	// EnergyAcc is the cumulative energy since process start. It never
	// decreases.
	EnergyAcc Energy

	// EnergyInterval is the energy attributed to the most recent
	// sampling period. Zero on the very first sample.
	EnergyInterval Energy
}

// NewUnit returns a Unit with no baseline, no resolution and no peer.
func NewUnit(id int, addr string) *Unit {
	return &Unit{
		ID:     id,
		Addr:   addr,
		Peer:   NoPeer,
		Holder: NoPeer,
	}
}

// counterDelta returns the raw count elapsed between two samples of a
// counter that is width bits wide. A raw value below the previous one is
// taken as evidence of exactly one wraparound; counters wrapping more
// than once per sampling period cannot be detected and are a known
// limitation of finite-width hardware registers.
func counterDelta(last, raw uint64, width uint) uint64 {
	if raw >= last {
		return raw - last
	}
	if width >= 64 {
		// 2^64 cannot be represented; unsigned subtraction wraps the
		// same way the counter does.
		return raw - last
	}
	return (uint64(1)<<width - last) + raw
}

// Accumulate folds a fresh counter sample into the unit's running
// totals. The first sample of a unit's lifetime only records the
// baseline: no interval energy can be attributed without a prior
// reference point, so EnergyInterval is left at zero and EnergyAcc is
// unchanged.
//
// The sample's resolution hint is adopted the first time it is non-zero
// and ignored afterwards.
func (u *Unit) Accumulate(s Sample, width uint) error {
	if u.Resolution == 0 && s.Resolution > 0 {
		u.Resolution = s.Resolution
	}

	last := u.LastRaw
	u.LastRaw = s.Raw
	u.Timestamp = s.Timestamp

	if last == 0 {
		u.EnergyInterval = 0
		return nil
	}

	if u.Resolution <= 0 {
		return fmt.Errorf("unit %s: counter resolution is unknown", u.Addr)
	}

	delta := counterDelta(last, s.Raw, width)
	u.EnergyInterval = Energy(float64(delta) * u.Resolution * float64(Joule))
	u.EnergyAcc += u.EnergyInterval

	return nil
}
