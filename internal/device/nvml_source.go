// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/utils/clock"
)

// nvmlEnergyResolution converts the NVML total energy counter, reported
// in millijoules since the driver was last loaded, to Joules.
const nvmlEnergyResolution = 1e-3

// nvmlLib is the subset of the NVML API the source uses. Indirection
// exists so tests can substitute a fake library.
type nvmlLib interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return)
	ErrorString(ret nvml.Return) string
}

// nvmlDevice is the per-device subset of the NVML API.
type nvmlDevice interface {
	GetPciInfo() (nvml.PciInfo, nvml.Return)
	GetTotalEnergyConsumption() (uint64, nvml.Return)
}

type realNvmlLib struct{}

type realNvmlDevice struct {
	device nvml.Device
}

func (realNvmlLib) Init() nvml.Return {
	return nvml.Init()
}

func (realNvmlLib) Shutdown() nvml.Return {
	return nvml.Shutdown()
}

func (realNvmlLib) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (realNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return) {
	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return &realNvmlDevice{device: device}, ret
}

func (realNvmlLib) ErrorString(ret nvml.Return) string {
	return nvml.ErrorString(ret)
}

func (d *realNvmlDevice) GetPciInfo() (nvml.PciInfo, nvml.Return) {
	return d.device.GetPciInfo()
}

func (d *realNvmlDevice) GetTotalEnergyConsumption() (uint64, nvml.Return) {
	return d.device.GetTotalEnergyConsumption()
}

// NVMLSource reads NVIDIA GPU energy counters through NVML. The total
// energy counter is millijoule-granular, so the resolution is a fixed
// 1e-3 Joules per count. Requires Volta or newer.
type NVMLSource struct {
	logger  *slog.Logger
	lib     nvmlLib
	clock   clock.PassiveClock
	units   []*Unit
	devices []nvmlDevice
	started bool
}

var _ CounterSource = (*NVMLSource)(nil)

// NVMLOptionFn sets an option on an NVMLSource.
type NVMLOptionFn func(*NVMLSource)

// WithNVMLLogger sets the logger.
func WithNVMLLogger(logger *slog.Logger) NVMLOptionFn {
	return func(s *NVMLSource) {
		s.logger = logger.With("source", s.Name())
	}
}

// WithNVMLClock sets the clock used to timestamp samples.
func WithNVMLClock(c clock.PassiveClock) NVMLOptionFn {
	return func(s *NVMLSource) {
		s.clock = c
	}
}

// withNVMLLib substitutes the NVML library, for tests.
func withNVMLLib(lib nvmlLib) NVMLOptionFn {
	return func(s *NVMLSource) {
		s.lib = lib
	}
}

// NewNVMLSource creates an NVIDIA GPU counter source.
func NewNVMLSource(opts ...NVMLOptionFn) *NVMLSource {
	s := &NVMLSource{
		logger: slog.Default(),
		lib:    realNvmlLib{},
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", s.Name())
	return s
}

func (s *NVMLSource) Name() string {
	return "nvml"
}

// Available reports whether the NVML library can be loaded. A
// successful probe leaves the library initialized for Init.
func (s *NVMLSource) Available() bool {
	if s.started {
		return true
	}
	if ret := s.lib.Init(); ret != nvml.SUCCESS {
		s.logger.Debug("NVML not available", "reason", s.lib.ErrorString(ret))
		return false
	}
	s.started = true
	return true
}

// Init enumerates the NVIDIA devices and creates one unit per GPU,
// keyed by PCI bus.
func (s *NVMLSource) Init() error {
	if !s.started {
		if ret := s.lib.Init(); ret != nvml.SUCCESS {
			return fmt.Errorf("nvml: init failed: %s", s.lib.ErrorString(ret))
		}
		s.started = true
	}

	count, ret := s.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("nvml: listing devices: %s", s.lib.ErrorString(ret))
	}

	for i := 0; i < count; i++ {
		device, ret := s.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return fmt.Errorf("nvml: device %d handle: %s", i, s.lib.ErrorString(ret))
		}

		pci, ret := device.GetPciInfo()
		if ret != nvml.SUCCESS {
			return fmt.Errorf("nvml: device %d PCI info: %s", i, s.lib.ErrorString(ret))
		}

		s.devices = append(s.devices, device)
		s.units = append(s.units, NewUnit(i, fmt.Sprintf("gpu_%02x", pci.Bus)))
	}

	s.logger.Debug("NVML source initialized", "devices", len(s.units))
	return nil
}

func (s *NVMLSource) Units() []*Unit {
	return s.units
}

// ReadCounter reads the millijoule total energy counter of a GPU.
func (s *NVMLSource) ReadCounter(id int) (Sample, error) {
	if id < 0 || id >= len(s.devices) {
		return Sample{}, fmt.Errorf("nvml: unknown unit id %d", id)
	}

	raw, ret := s.devices[id].GetTotalEnergyConsumption()
	if ret != nvml.SUCCESS {
		return Sample{}, fmt.Errorf("nvml: reading energy counter of GPU %d: %s", id, s.lib.ErrorString(ret))
	}

	return Sample{
		Raw:        raw,
		Resolution: nvmlEnergyResolution,
		Timestamp:  uint64(s.clock.Now().UnixNano()),
	}, nil
}

func (s *NVMLSource) CounterWidth() uint {
	return 64
}

func (s *NVMLSource) Close() error {
	if !s.started {
		return nil
	}
	s.started = false
	if ret := s.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml: shutdown failed: %s", s.lib.ErrorString(ret))
	}
	return nil
}
