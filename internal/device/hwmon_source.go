// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"k8s.io/utils/clock"
)

// GPUVendor selects which driver's hwmon chips a HwmonGPUSource binds.
type GPUVendor string

const (
	GPUVendorAMD   GPUVendor = "amd"
	GPUVendorIntel GPUVendor = "intel"
)

// hwmon chip names per driver.
var gpuChipNames = map[GPUVendor][]string{
	GPUVendorAMD:   {"amdgpu"},
	GPUVendorIntel: {"i915", "xe"},
}

// hwmonGPU is one discovered GPU hwmon chip.
type hwmonGPU struct {
	energyPath string // energy1_input, microjoules
	busyPath   string // gpu_busy_percent, may be absent
	pciAddr    string // e.g. 0000:c1:00.0
}

// HwmonGPUSource reads GPU energy counters from the hwmon sysfs class.
// The counters report microjoules, so the resolution is a fixed 1e-6
// Joules per count. AMD dual-die boards (MI250) expose one counter for
// two dies; adjacent devices with matching serials are linked as a
// counter-sharing pair during discovery.
type HwmonGPUSource struct {
	logger *slog.Logger
	vendor GPUVendor
	clock  clock.PassiveClock
	sysfs  string
	units  []*Unit
	gpus   []hwmonGPU
}

var (
	_ CounterSource     = (*HwmonGPUSource)(nil)
	_ UtilizationSource = (*HwmonGPUSource)(nil)
)

const hwmonEnergyResolution = 1e-6 // energy1_input is in microjoules

// HwmonOptionFn sets an option on a HwmonGPUSource.
type HwmonOptionFn func(*HwmonGPUSource)

// WithHwmonLogger sets the logger.
func WithHwmonLogger(logger *slog.Logger) HwmonOptionFn {
	return func(s *HwmonGPUSource) {
		s.logger = logger.With("source", s.Name())
	}
}

// WithHwmonSysfsPath sets the sysfs mount point.
func WithHwmonSysfsPath(path string) HwmonOptionFn {
	return func(s *HwmonGPUSource) {
		s.sysfs = path
	}
}

// WithHwmonClock sets the clock used to timestamp samples.
func WithHwmonClock(c clock.PassiveClock) HwmonOptionFn {
	return func(s *HwmonGPUSource) {
		s.clock = c
	}
}

// NewHwmonGPUSource creates a GPU counter source for one vendor's
// hwmon chips.
func NewHwmonGPUSource(vendor GPUVendor, opts ...HwmonOptionFn) *HwmonGPUSource {
	s := &HwmonGPUSource{
		logger: slog.Default(),
		vendor: vendor,
		clock:  clock.RealClock{},
		sysfs:  "/sys",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", s.Name())
	return s
}

func (s *HwmonGPUSource) Name() string {
	return fmt.Sprintf("hwmon-gpu-%s", s.vendor)
}

// Available reports whether at least one matching chip exposes an
// energy counter.
func (s *HwmonGPUSource) Available() bool {
	gpus, err := s.scan()
	if err != nil {
		s.logger.Debug("hwmon scan failed", "error", err)
		return false
	}
	return len(gpus) > 0
}

// Init discovers the vendor's GPUs, ordered by PCI address, and links
// dual-die pairs.
func (s *HwmonGPUSource) Init() error {
	gpus, err := s.scan()
	if err != nil {
		return err
	}
	if len(gpus) == 0 {
		return fmt.Errorf("hwmon: no %s GPU with an energy counter found", s.vendor)
	}

	// Stable unit ids: consecutive dies of one board enumerate
	// adjacently when ordered by PCI address.
	sort.Slice(gpus, func(i, j int) bool { return gpus[i].pciAddr < gpus[j].pciAddr })
	s.gpus = gpus

	for i, gpu := range gpus {
		unit := NewUnit(i, fmt.Sprintf("gpu_%s", busOf(gpu.pciAddr)))
		devDir := filepath.Dir(gpu.energyPath)

		unit.Serial = readSysfsString(filepath.Join(devDir, "device", "unique_id"))
		unit.Model = readSysfsHex(filepath.Join(devDir, "device", "subsystem_device"))

		// Two adjacent dies reporting the same serial sit on one board
		// and share one energy counter. The earlier-indexed die holds
		// the link.
		if i > 0 && unit.Model == MI250SubsystemID && unit.Serial != "" {
			prev := s.units[i-1]
			if prev.Serial == unit.Serial && prev.Peer == NoPeer && prev.Holder == NoPeer {
				prev.Peer = unit.ID
				unit.Holder = prev.ID
				s.logger.Info("dual-die board detected, splitting energy across dies",
					"holder", prev.Addr, "peer", unit.Addr)
			}
		}

		s.units = append(s.units, unit)
	}

	s.logger.Debug("hwmon GPU source initialized", "devices", len(s.units))
	return nil
}

func (s *HwmonGPUSource) Units() []*Unit {
	return s.units
}

// ReadCounter reads the microjoule energy counter of a GPU.
func (s *HwmonGPUSource) ReadCounter(id int) (Sample, error) {
	if id < 0 || id >= len(s.gpus) {
		return Sample{}, fmt.Errorf("hwmon: unknown unit id %d", id)
	}

	raw, err := readSysfsUint(s.gpus[id].energyPath)
	if err != nil {
		return Sample{}, fmt.Errorf("hwmon: reading energy counter of GPU %d: %w", id, err)
	}

	return Sample{
		Raw:        raw,
		Resolution: hwmonEnergyResolution,
		Timestamp:  uint64(s.clock.Now().UnixNano()),
	}, nil
}

func (s *HwmonGPUSource) CounterWidth() uint {
	return 64
}

// ReadBusyPercent reads the utilization of a GPU die.
func (s *HwmonGPUSource) ReadBusyPercent(id int) (uint32, error) {
	if id < 0 || id >= len(s.gpus) {
		return 0, fmt.Errorf("hwmon: unknown unit id %d", id)
	}
	if s.gpus[id].busyPath == "" {
		return 0, fmt.Errorf("hwmon: GPU %d exposes no utilization", id)
	}

	busy, err := readSysfsUint(s.gpus[id].busyPath)
	if err != nil {
		return 0, fmt.Errorf("hwmon: reading utilization of GPU %d: %w", id, err)
	}
	return uint32(busy), nil
}

func (s *HwmonGPUSource) Close() error {
	return nil
}

// scan walks /sys/class/hwmon for chips driven by the vendor's driver
// that expose an energy counter.
func (s *HwmonGPUSource) scan() ([]hwmonGPU, error) {
	base := filepath.Join(s.sysfs, "class", "hwmon")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("hwmon: reading %s: %w", base, err)
	}

	var gpus []hwmonGPU
	for _, entry := range entries {
		chipDir := filepath.Join(base, entry.Name())
		name := readSysfsString(filepath.Join(chipDir, "name"))
		if !s.matchesVendor(name) {
			continue
		}

		energyPath := filepath.Join(chipDir, "energy1_input")
		if _, err := os.Stat(energyPath); err != nil {
			continue
		}

		devDir := filepath.Join(chipDir, "device")
		pciAddr := ""
		if resolved, err := filepath.EvalSymlinks(devDir); err == nil {
			pciAddr = filepath.Base(resolved)
		}

		busyPath := filepath.Join(devDir, "gpu_busy_percent")
		if _, err := os.Stat(busyPath); err != nil {
			busyPath = ""
		}

		gpus = append(gpus, hwmonGPU{
			energyPath: energyPath,
			busyPath:   busyPath,
			pciAddr:    pciAddr,
		})
	}
	return gpus, nil
}

func (s *HwmonGPUSource) matchesVendor(chipName string) bool {
	for _, want := range gpuChipNames[s.vendor] {
		if chipName == want {
			return true
		}
	}
	return false
}

// busOf extracts the bus part of a PCI address: 0000:c1:00.0 -> c1.
func busOf(pciAddr string) string {
	parts := strings.Split(pciAddr, ":")
	if len(parts) == 3 {
		return parts[1]
	}
	return pciAddr
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func readSysfsHex(path string) uint32 {
	text := strings.TrimPrefix(readSysfsString(path), "0x")
	if text == "" {
		return 0
	}
	v, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}
