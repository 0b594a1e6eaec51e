// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestMockSource(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Unix(0, 0))
	src := NewMockSource([]uint32{100, 250}, WithMockClock(fakeClock))

	require.True(t, src.Available())
	require.NoError(t, src.Init())

	units := src.Units()
	require.Len(t, units, 2)
	assert.Equal(t, "mock_0", units[0].Addr)
	assert.Equal(t, "mock_1", units[1].Addr)

	// The counter is back-dated by one second, so even the very first
	// read is non-zero and can serve as a baseline.
	s, err := src.ReadCounter(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), s.Raw)
	assert.Equal(t, 1.0, s.Resolution)

	// 100 W and 250 W for 10 more seconds
	fakeClock.Step(10 * time.Second)

	s, err = src.ReadCounter(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), s.Raw)

	s, err = src.ReadCounter(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2750), s.Raw)
	assert.Equal(t, uint64(fakeClock.Now().UnixNano()), s.Timestamp)

	_, err = src.ReadCounter(2)
	assert.ErrorContains(t, err, "unknown unit id")
}

func TestMockSourceSecondCycleAttributesEnergy(t *testing.T) {
	// Only the mandatory baseline cycle is lost: the second read
	// already attributes a full interval.
	fakeClock := testingclock.NewFakeClock(time.Unix(0, 0))
	src := NewMockSource([]uint32{100}, WithMockClock(fakeClock))
	require.NoError(t, src.Init())
	unit := src.Units()[0]

	s, err := src.ReadCounter(0)
	require.NoError(t, err)
	require.NoError(t, unit.Accumulate(s, src.CounterWidth()))
	assert.Zero(t, unit.EnergyAcc)

	fakeClock.Step(10 * time.Second)
	s, err = src.ReadCounter(0)
	require.NoError(t, err)
	require.NoError(t, unit.Accumulate(s, src.CounterWidth()))
	assert.Equal(t, 1000.0, unit.EnergyAcc.Joules())
}

func TestMockSourceUnavailableWithoutUnits(t *testing.T) {
	src := NewMockSource(nil)
	assert.False(t, src.Available())
}
