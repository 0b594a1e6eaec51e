// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

// Sample is one raw reading of a hardware energy counter.
type Sample struct {
	// Raw is the counter value in device-native units.
	Raw uint64

	// Resolution is the scale factor from one raw count to Joules, or
	// zero when the source has no hint. Units cache the first non-zero
	// hint and never re-fetch it.
	Resolution float64

	// Timestamp is the sample time in nanoseconds.
	Timestamp uint64
}

// CounterSource abstracts a vendor-specific energy counter backend
// (MSR files, hwmon sysfs, NVML, mock). A source owns device
// enumeration and raw reads; all accounting happens in Unit.
type CounterSource interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// Available reports whether the backend can be used on this system.
	// An unavailable source is skipped, not an error.
	Available() bool

	// Init enumerates devices and acquires whatever handles the
	// backend needs. Must be called before Units or ReadCounter.
	Init() error

	// Units returns the discovered units in stable index order.
	Units() []*Unit

	// ReadCounter reads the raw counter of the unit with the given id.
	// Any failure is fatal to the sampling process; sources perform no
	// retries and offer no degraded mode.
	ReadCounter(id int) (Sample, error)

	// CounterWidth returns the width of the raw counter in bits.
	CounterWidth() uint

	// Close releases backend resources.
	Close() error
}

// UtilizationSource reports per-die utilization for split-model
// devices.
type UtilizationSource interface {
	// ReadBusyPercent returns the utilization of the unit with the
	// given id as a 0-100 percentage.
	ReadBusyPercent(id int) (uint32, error)
}

// Group is a vendor and type homogeneous ordered collection of units
// bound to the counter source that discovered them.
type Group struct {
	// Kind is the component kind: "cpu", "dram", "gpu" or "mock".
	Kind string

	// Vendor tags the group ("intel", "amd", "nvidia", "mock").
	Vendor string

	Source CounterSource

	// Util is non-nil only when the group contains split-model pairs.
	Util UtilizationSource

	Units []*Unit
}

// NewGroup binds the units discovered by an initialized source into a
// component group. Util may be nil for groups without paired dies.
func NewGroup(kind, vendor string, src CounterSource, util UtilizationSource) *Group {
	return &Group{
		Kind:   kind,
		Vendor: vendor,
		Source: src,
		Util:   util,
		Units:  src.Units(),
	}
}
