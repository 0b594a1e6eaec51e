// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/hewlettpackard/ecounter/internal/device"
)

// fakeSource replays scripted counter readings. Each ReadCounter call
// pops the next sample of the unit's script.
type fakeSource struct {
	name    string
	units   []*device.Unit
	width   uint
	samples map[int][]device.Sample
	busy    map[int]uint32
	readErr error
	closed  bool
}

var (
	_ device.CounterSource     = (*fakeSource)(nil)
	_ device.UtilizationSource = (*fakeSource)(nil)
)

func (f *fakeSource) Name() string          { return f.name }
func (f *fakeSource) Available() bool       { return true }
func (f *fakeSource) Init() error           { return nil }
func (f *fakeSource) Units() []*device.Unit { return f.units }
func (f *fakeSource) CounterWidth() uint    { return f.width }
func (f *fakeSource) Close() error          { f.closed = true; return nil }

func (f *fakeSource) ReadCounter(id int) (device.Sample, error) {
	if f.readErr != nil {
		return device.Sample{}, f.readErr
	}
	script := f.samples[id]
	if len(script) == 0 {
		return device.Sample{}, fmt.Errorf("no scripted sample for unit %d", id)
	}
	s := script[0]
	f.samples[id] = script[1:]
	return s, nil
}

func (f *fakeSource) ReadBusyPercent(id int) (uint32, error) {
	return f.busy[id], nil
}

// mapSink records the last total written per address.
type mapSink struct {
	totals map[string]uint64
	writes int
	err    error
}

func newMapSink() *mapSink {
	return &mapSink{totals: map[string]uint64{}}
}

func (s *mapSink) Write(addr string, joules uint64) error {
	if s.err != nil {
		return s.err
	}
	s.totals[addr] = joules
	s.writes++
	return nil
}

type fakeProbe struct {
	power device.Power
	err   error
	reads int
}

func (p *fakeProbe) Read() (device.Power, error) {
	p.reads++
	return p.power, p.err
}

func newCPUGroup(samples map[int][]device.Sample) (*device.Group, *fakeSource) {
	src := &fakeSource{
		name: "fake-cpu",
		units: []*device.Unit{
			device.NewUnit(0, "cpu_package_0"),
			device.NewUnit(1, "cpu_package_1"),
		},
		width:   32,
		samples: samples,
	}
	return device.NewGroup("cpu", "intel", src, nil), src
}

func TestMonitorCollect(t *testing.T) {
	group, _ := newCPUGroup(map[int][]device.Sample{
		0: {
			{Raw: 1000, Resolution: 1.0, Timestamp: 0},
			{Raw: 1100, Timestamp: 10e9},
			{Raw: 1150, Timestamp: 20e9},
		},
		1: {
			{Raw: 2000, Resolution: 1.0, Timestamp: 0},
			{Raw: 2200, Timestamp: 10e9},
			{Raw: 2200, Timestamp: 20e9},
		},
	})
	sink := newMapSink()
	m := NewMonitor([]*device.Group{group}, sink)

	// First cycle records baselines only; files still get the zero
	// totals.
	require.NoError(t, m.Collect())
	assert.Equal(t, uint64(0), sink.totals["cpu_package_0"])
	assert.Equal(t, uint64(0), sink.totals["cpu_package_1"])

	require.NoError(t, m.Collect())
	assert.Equal(t, uint64(100), sink.totals["cpu_package_0"])
	assert.Equal(t, uint64(200), sink.totals["cpu_package_1"])

	require.NoError(t, m.Collect())
	assert.Equal(t, uint64(150), sink.totals["cpu_package_0"])
	assert.Equal(t, uint64(200), sink.totals["cpu_package_1"])

	snapshot := m.Snapshot()
	require.NotNil(t, snapshot)
	require.Len(t, snapshot.Units, 2)
	assert.Equal(t, "cpu", snapshot.Units[0].Kind)
	assert.Equal(t, "intel", snapshot.Units[0].Vendor)
	assert.Equal(t, 150.0, snapshot.Units[0].EnergyAcc.Joules())
	assert.Equal(t, 50.0, snapshot.Units[0].EnergyInterval.Joules())
	assert.Nil(t, snapshot.Overhead)
}

func TestMonitorCollectPaired(t *testing.T) {
	holder := device.NewUnit(0, "gpu_c1")
	peer := device.NewUnit(1, "gpu_c5")
	holder.Peer = peer.ID
	peer.Holder = holder.ID

	src := &fakeSource{
		name:  "fake-gpu",
		units: []*device.Unit{holder, peer},
		width: 64,
		samples: map[int][]device.Sample{
			// Only the holder's counter is ever read.
			0: {
				{Raw: 0, Resolution: 1e-6, Timestamp: 0},
				{Raw: 1_000_000_000, Timestamp: 10e9},
			},
		},
		busy: map[int]uint32{0: 60, 1: 40},
	}
	group := device.NewGroup("gpu", "amd", src, src)
	sink := newMapSink()
	m := NewMonitor([]*device.Group{group}, sink)

	require.NoError(t, m.Collect())
	require.NoError(t, m.Collect())

	// 1000 J over 10 s split 520/480 at a 20 point utilization gap
	assert.Equal(t, uint64(520), sink.totals["gpu_c1"])
	assert.Equal(t, uint64(480), sink.totals["gpu_c5"])
	assert.Equal(t, 4, sink.writes)
}

func TestMonitorCollectPairedWithoutUtil(t *testing.T) {
	holder := device.NewUnit(0, "gpu_c1")
	peer := device.NewUnit(1, "gpu_c5")
	holder.Peer = peer.ID
	peer.Holder = holder.ID

	src := &fakeSource{
		name:    "fake-gpu",
		units:   []*device.Unit{holder, peer},
		width:   64,
		samples: map[int][]device.Sample{},
	}
	group := device.NewGroup("gpu", "amd", src, nil)
	m := NewMonitor([]*device.Group{group}, newMapSink())

	err := m.Collect()
	assert.ErrorContains(t, err, "no utilization source")
}

func TestMonitorCollectOverhead(t *testing.T) {
	group, _ := newCPUGroup(map[int][]device.Sample{
		0: {
			{Raw: 1000, Resolution: 1.0, Timestamp: 0},
			{Raw: 3500, Timestamp: 10e9},
		},
		1: {
			{Raw: 100, Resolution: 1.0, Timestamp: 0},
			{Raw: 100, Timestamp: 10e9},
		},
	})
	probe := &fakeProbe{power: 300 * device.Watt}
	m := NewMonitor([]*device.Group{group}, newMapSink(),
		WithNodePowerProbe(probe),
		WithInterval(10*time.Second),
	)

	// The baseline cycle measures zero; the estimator stays
	// uninitialized and the snapshot carries no overhead yet.
	require.NoError(t, m.Collect())
	assert.Equal(t, 1, probe.reads)
	require.NotNil(t, m.Snapshot())
	assert.Nil(t, m.Snapshot().Overhead)

	// 2500 J over 10 s is 250 W measured against 300 W node power.
	require.NoError(t, m.Collect())
	overhead := m.Snapshot().Overhead
	require.NotNil(t, overhead)
	assert.InDelta(t, 300, overhead.NodePower.Watts(), 1e-9)
	assert.InDelta(t, 50, overhead.Min.Watts(), 1e-9)
	assert.InDelta(t, 50, overhead.Max.Watts(), 1e-9)
	assert.InDelta(t, 50, overhead.Average.Watts(), 1e-9)
	assert.Equal(t, uint64(1), overhead.Samples)
}

func TestMonitorCollectProbeError(t *testing.T) {
	group, _ := newCPUGroup(map[int][]device.Sample{
		0: {{Raw: 1000, Resolution: 1.0}},
		1: {{Raw: 2000, Resolution: 1.0}},
	})
	probe := &fakeProbe{err: errors.New("ipmi timeout")}
	m := NewMonitor([]*device.Group{group}, newMapSink(), WithNodePowerProbe(probe))

	err := m.Collect()
	assert.ErrorContains(t, err, "reading node power")
}

func TestMonitorCollectSinkError(t *testing.T) {
	group, _ := newCPUGroup(map[int][]device.Sample{
		0: {{Raw: 1000, Resolution: 1.0}},
		1: {{Raw: 2000, Resolution: 1.0}},
	})
	sink := newMapSink()
	sink.err = errors.New("disk full")
	m := NewMonitor([]*device.Group{group}, sink)

	err := m.Collect()
	assert.ErrorContains(t, err, "writing total of cpu_package_0")
}

func TestMonitorRunStopsOnError(t *testing.T) {
	group, src := newCPUGroup(map[int][]device.Sample{})
	src.readErr = errors.New("counter read failed")
	m := NewMonitor([]*device.Group{group}, newMapSink())

	err := m.Run(context.Background())
	assert.ErrorContains(t, err, "counter read failed")
}

func TestMonitorRunCancel(t *testing.T) {
	group, _ := newCPUGroup(map[int][]device.Sample{
		0: {{Raw: 1000, Resolution: 1.0}},
		1: {{Raw: 2000, Resolution: 1.0}},
	})
	fakeClock := testingclock.NewFakeClock(time.Now())
	m := NewMonitor([]*device.Group{group}, newMapSink(),
		WithClock(fakeClock),
		WithInterval(10*time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Wait for the initial cycle, then stop the loop.
	require.Eventually(t, func() bool { return m.Snapshot() != nil }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on context cancel")
	}
}

func TestMonitorShutdownClosesSources(t *testing.T) {
	group, src := newCPUGroup(map[int][]device.Sample{})
	m := NewMonitor([]*device.Group{group}, newMapSink())

	require.NoError(t, m.Shutdown())
	assert.True(t, src.closed)
}
