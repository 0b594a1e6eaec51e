// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
)

// Constants of the dual-die energy model. Each graphics compute die of
// an MI250 draws about 40 W when idle, and the share of the remaining
// energy swings linearly with the utilization gap: equal utilization
// yields an even split, a 100 point gap yields the full swing. The
// numbers are heuristics tuned for this GPU family; existing
// deployments depend on reproducing them exactly.
const (
	gcdIdlePower = 40 * Watt
	shareSlope   = 0.005
)

// MI250SubsystemID identifies the dual-die model that reports one
// energy counter for two independently utilized dies.
const MI250SubsystemID = 2828

// SplitPaired folds a sample of a counter shared by two dies into both
// units. The holder's counter carries the combined energy; the peer
// contributes no independent read. The combined interval energy is
// distributed as follows: each die is granted a fixed idle floor for
// the elapsed time, and the energy above both floors is shared in
// proportion to the utilization gap. Both accumulators are updated in
// the same call, so callers must treat the pair as a single atomic
// update.
//
// Like Accumulate, the first sample only records the baseline.
func SplitPaired(holder, peer *Unit, s Sample, width uint) error {
	if holder.Peer != peer.ID || peer.Holder != holder.ID {
		return fmt.Errorf("units %s and %s are not a counter-sharing pair", holder.Addr, peer.Addr)
	}

	if holder.Resolution == 0 && s.Resolution > 0 {
		holder.Resolution = s.Resolution
	}

	last := holder.LastRaw
	lastTimestamp := holder.Timestamp
	holder.LastRaw = s.Raw
	holder.Timestamp = s.Timestamp

	if last == 0 {
		holder.EnergyInterval = 0
		peer.EnergyInterval = 0
		return nil
	}

	if holder.Resolution <= 0 {
		return fmt.Errorf("unit %s: counter resolution is unknown", holder.Addr)
	}

	delta := counterDelta(last, s.Raw, width)
	combined := Energy(float64(delta) * holder.Resolution * float64(Joule))
	elapsedSeconds := float64(s.Timestamp-lastTimestamp) / 1e9

	// Idle floor per die for the elapsed time. Energy above both floors
	// is attributable to active work; a measured value below the
	// assumed idle baseline clamps to zero.
	energyIdle := Energy(gcdIdlePower.MicroWatts() * elapsedSeconds)
	var aboveIdle Energy
	if combined > 2*energyIdle {
		aboveIdle = combined - 2*energyIdle
	}

	ratio := 0.5 + shareSlope*(float64(holder.BusyPercent)-float64(peer.BusyPercent))
	// The linear model is a heuristic, not a physical law.
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}

	holder.EnergyInterval = energyIdle + Energy(ratio*float64(aboveIdle))
	holder.EnergyAcc += holder.EnergyInterval
	peer.EnergyInterval = energyIdle + Energy((1.0-ratio)*float64(aboveIdle))
	peer.EnergyAcc += peer.EnergyInterval

	return nil
}
