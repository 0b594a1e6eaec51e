// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnit(t *testing.T) {
	u := NewUnit(3, "cpu_package_3")
	assert.Equal(t, 3, u.ID)
	assert.Equal(t, "cpu_package_3", u.Addr)
	assert.Equal(t, NoPeer, u.Peer)
	assert.Equal(t, NoPeer, u.Holder)
	assert.Zero(t, u.LastRaw)
	assert.Zero(t, u.Resolution)
	assert.Zero(t, u.EnergyAcc)
}

func TestCounterDelta(t *testing.T) {
	tt := []struct {
		name  string
		last  uint64
		raw   uint64
		width uint
		want  uint64
	}{
		{"monotonic", 100, 150, 32, 50},
		{"no change", 100, 100, 32, 0},
		{"wrap 32-bit", math.MaxUint32 - 9, 10, 32, 20},
		{"wrap just below max", math.MaxUint32, 1, 32, 2},
		{"monotonic 64-bit", 1 << 40, 1<<40 + 7, 64, 7},
		{"wrap 64-bit", math.MaxUint64 - 4, 5, 64, 10},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, counterDelta(tc.last, tc.raw, tc.width))
		})
	}
}

func TestAccumulateFirstSample(t *testing.T) {
	u := NewUnit(0, "cpu_package_0")

	err := u.Accumulate(Sample{Raw: 5000, Resolution: 0.5, Timestamp: 100}, 32)
	require.NoError(t, err)

	// The first sample only establishes the baseline.
	assert.Equal(t, uint64(5000), u.LastRaw)
	assert.Equal(t, uint64(100), u.Timestamp)
	assert.Equal(t, 0.5, u.Resolution)
	assert.Equal(t, Energy(0), u.EnergyInterval)
	assert.Equal(t, Energy(0), u.EnergyAcc)
}

func TestAccumulate(t *testing.T) {
	u := NewUnit(0, "cpu_package_0")

	// resolution 2^-10 J per count
	res := math.Pow(0.5, 10)
	require.NoError(t, u.Accumulate(Sample{Raw: 1000, Resolution: res, Timestamp: 0}, 32))

	// 1024 counts at 2^-10 J each is exactly one Joule
	require.NoError(t, u.Accumulate(Sample{Raw: 2024, Timestamp: 1e9}, 32))
	assert.Equal(t, 1.0, u.EnergyInterval.Joules())
	assert.Equal(t, 1.0, u.EnergyAcc.Joules())

	require.NoError(t, u.Accumulate(Sample{Raw: 4072, Timestamp: 2e9}, 32))
	assert.Equal(t, 2.0, u.EnergyInterval.Joules())
	assert.Equal(t, 3.0, u.EnergyAcc.Joules())
}

func TestAccumulateWraparound(t *testing.T) {
	u := NewUnit(0, "cpu_package_0")

	require.NoError(t, u.Accumulate(Sample{Raw: math.MaxUint32 - 1023, Resolution: math.Pow(0.5, 10)}, 32))
	require.NoError(t, u.Accumulate(Sample{Raw: 1024}, 32))

	// 1024 counts to the top of the register plus 1024 past zero
	assert.Equal(t, 2.0, u.EnergyInterval.Joules())
	assert.Equal(t, 2.0, u.EnergyAcc.Joules())
}

func TestAccumulateResolutionCachedOnce(t *testing.T) {
	u := NewUnit(0, "gpu_c1")

	require.NoError(t, u.Accumulate(Sample{Raw: 100, Resolution: 1e-6}, 64))
	// A later differing hint must not displace the cached value.
	require.NoError(t, u.Accumulate(Sample{Raw: 1000100, Resolution: 1e-3}, 64))

	assert.Equal(t, 1e-6, u.Resolution)
	assert.Equal(t, 1.0, u.EnergyInterval.Joules())
}

func TestAccumulateUnknownResolution(t *testing.T) {
	u := NewUnit(0, "cpu_package_0")

	require.NoError(t, u.Accumulate(Sample{Raw: 100}, 32))
	err := u.Accumulate(Sample{Raw: 200}, 32)
	assert.ErrorContains(t, err, "resolution is unknown")
}
