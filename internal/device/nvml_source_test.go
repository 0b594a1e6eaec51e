// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeNvmlDevice struct {
	bus       uint32
	energy    uint64
	energyRet nvml.Return
}

func (d *fakeNvmlDevice) GetPciInfo() (nvml.PciInfo, nvml.Return) {
	return nvml.PciInfo{Bus: d.bus}, nvml.SUCCESS
}

func (d *fakeNvmlDevice) GetTotalEnergyConsumption() (uint64, nvml.Return) {
	return d.energy, d.energyRet
}

type fakeNvmlLib struct {
	initRet   nvml.Return
	devices   []*fakeNvmlDevice
	initCalls int
	shutdowns int
}

func (l *fakeNvmlLib) Init() nvml.Return {
	l.initCalls++
	return l.initRet
}

func (l *fakeNvmlLib) Shutdown() nvml.Return {
	l.shutdowns++
	return nvml.SUCCESS
}

func (l *fakeNvmlLib) DeviceGetCount() (int, nvml.Return) {
	return len(l.devices), nvml.SUCCESS
}

func (l *fakeNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return) {
	if index < 0 || index >= len(l.devices) {
		return nil, nvml.ERROR_INVALID_ARGUMENT
	}
	return l.devices[index], nvml.SUCCESS
}

func (l *fakeNvmlLib) ErrorString(ret nvml.Return) string {
	return nvml.ErrorString(ret)
}

func TestNVMLSource(t *testing.T) {
	lib := &fakeNvmlLib{
		initRet: nvml.SUCCESS,
		devices: []*fakeNvmlDevice{
			{bus: 0x17, energy: 5000},
			{bus: 0xb1, energy: 7000},
		},
	}
	fakeClock := testingclock.NewFakeClock(time.Unix(3000, 0))
	src := NewNVMLSource(withNVMLLib(lib), WithNVMLClock(fakeClock))

	require.True(t, src.Available())
	require.NoError(t, src.Init())

	units := src.Units()
	require.Len(t, units, 2)
	assert.Equal(t, "gpu_17", units[0].Addr)
	assert.Equal(t, "gpu_b1", units[1].Addr)
	assert.Equal(t, uint(64), src.CounterWidth())

	s, err := src.ReadCounter(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), s.Raw)
	assert.Equal(t, 1e-3, s.Resolution)
	assert.Equal(t, uint64(fakeClock.Now().UnixNano()), s.Timestamp)

	// Available already initialized the library; Init must not do it
	// again.
	assert.Equal(t, 1, lib.initCalls)

	require.NoError(t, src.Close())
	assert.Equal(t, 1, lib.shutdowns)
	require.NoError(t, src.Close())
	assert.Equal(t, 1, lib.shutdowns)
}

func TestNVMLSourceUnavailable(t *testing.T) {
	lib := &fakeNvmlLib{initRet: nvml.ERROR_LIBRARY_NOT_FOUND}
	src := NewNVMLSource(withNVMLLib(lib))

	assert.False(t, src.Available())
	assert.Error(t, src.Init())
}

func TestNVMLSourceReadError(t *testing.T) {
	lib := &fakeNvmlLib{
		initRet: nvml.SUCCESS,
		devices: []*fakeNvmlDevice{{bus: 0x17, energyRet: nvml.ERROR_UNKNOWN}},
	}
	src := NewNVMLSource(withNVMLLib(lib))
	require.NoError(t, src.Init())

	_, err := src.ReadCounter(0)
	assert.ErrorContains(t, err, "reading energy counter")

	_, err = src.ReadCounter(5)
	assert.ErrorContains(t, err, "unknown unit id")
}
