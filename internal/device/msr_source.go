// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/prometheus/procfs"
	"k8s.io/utils/clock"
)

// CPU vendors recognized by the MSR backend.
const (
	VendorIntel   = "intel"
	VendorAMD     = "amd"
	VendorUnknown = "unknown"
)

// MSR register offsets for the RAPL energy counters.
const (
	// Power unit registers holding the packed energy resolution
	// exponent in bits 12:8.
	MSRIntelPowerUnit = 0x606
	MSRAMDPowerUnit   = 0xC0010299

	// Energy status counters. 32 bits wide, wrap around at 2^32.
	MSRIntelPkgEnergy  = 0x611
	MSRIntelDRAMEnergy = 0x619
	MSRAMDPkgEnergy    = 0xC001029B

	msrEnergyUnitMask = 0x1F
)

// msrCounterWidth is the width of the RAPL energy status counters.
const msrCounterWidth = 32

// MSRDomain selects which energy counter an MSRSource samples.
type MSRDomain string

const (
	// DomainPackage samples the CPU package energy counter.
	DomainPackage MSRDomain = "package"

	// DomainDRAM samples the DRAM energy counter. Intel only.
	DomainDRAM MSRDomain = "dram"
)

// MSRSource reads RAPL energy counters through the Linux MSR device
// files, one CPU package per unit. The counter resolution is decoded
// lazily from the vendor's power unit register and cached for the
// process lifetime.
type MSRSource struct {
	logger  *slog.Logger
	domain  MSRDomain
	vendor  string
	clock   clock.PassiveClock
	devfs   string // MSR device path template, e.g. /dev/cpu/%d/msr
	sysfs   string // sysfs mount point, for CPU topology
	procfs  string // procfs mount point, for the CPU vendor id
	units   []*Unit
	files   map[int]*os.File // package id -> MSR file of its first CPU
	counter uint32           // energy status register offset
	unitMSR uint32           // power unit register offset

	resolution float64 // joules per raw count, 0 until decoded
}

var _ CounterSource = (*MSRSource)(nil)

// MSROptionFn sets an option on an MSRSource.
type MSROptionFn func(*MSRSource)

// WithMSRLogger sets the logger.
func WithMSRLogger(logger *slog.Logger) MSROptionFn {
	return func(s *MSRSource) {
		s.logger = logger.With("source", s.Name())
	}
}

// WithMSRDevicePath sets the MSR device path template.
func WithMSRDevicePath(template string) MSROptionFn {
	return func(s *MSRSource) {
		s.devfs = template
	}
}

// WithMSRSysfsPath sets the sysfs mount point used for CPU topology.
func WithMSRSysfsPath(path string) MSROptionFn {
	return func(s *MSRSource) {
		s.sysfs = path
	}
}

// WithMSRProcfsPath sets the procfs mount point used for vendor
// detection.
func WithMSRProcfsPath(path string) MSROptionFn {
	return func(s *MSRSource) {
		s.procfs = path
	}
}

// WithMSRClock sets the clock used to timestamp samples.
func WithMSRClock(c clock.PassiveClock) MSROptionFn {
	return func(s *MSRSource) {
		s.clock = c
	}
}

// NewMSRSource creates an MSR counter source for the given domain.
func NewMSRSource(domain MSRDomain, opts ...MSROptionFn) *MSRSource {
	s := &MSRSource{
		logger: slog.Default(),
		domain: domain,
		clock:  clock.RealClock{},
		devfs:  "/dev/cpu/%d/msr",
		sysfs:  "/sys",
		procfs: "/proc",
		files:  map[int]*os.File{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", s.Name())
	return s
}

func (s *MSRSource) Name() string {
	return fmt.Sprintf("msr-%s", s.domain)
}

// Available reports whether the MSR interface exists and the CPU vendor
// supports the requested domain. DRAM counters exist on Intel only.
func (s *MSRSource) Available() bool {
	vendor, err := s.cpuVendor()
	if err != nil {
		s.logger.Debug("vendor detection failed", "error", err)
		return false
	}
	s.vendor = vendor

	switch s.domain {
	case DomainPackage:
		if vendor != VendorIntel && vendor != VendorAMD {
			return false
		}
	case DomainDRAM:
		if vendor != VendorIntel {
			return false
		}
	default:
		return false
	}

	cpuDir := filepath.Dir(filepath.Dir(s.devfs))
	if _, err := os.Stat(cpuDir); err != nil {
		s.logger.Debug("MSR device directory not present", "dir", cpuDir)
		return false
	}
	return true
}

// Init maps CPU packages to their first hardware thread, opens one MSR
// file per package and creates the units.
func (s *MSRSource) Init() error {
	switch {
	case s.domain == DomainPackage && s.vendor == VendorIntel:
		s.counter, s.unitMSR = MSRIntelPkgEnergy, MSRIntelPowerUnit
	case s.domain == DomainPackage && s.vendor == VendorAMD:
		s.counter, s.unitMSR = MSRAMDPkgEnergy, MSRAMDPowerUnit
	case s.domain == DomainDRAM && s.vendor == VendorIntel:
		s.counter, s.unitMSR = MSRIntelDRAMEnergy, MSRIntelPowerUnit
	default:
		return fmt.Errorf("msr: no %s counter for vendor %q", s.domain, s.vendor)
	}

	packageCPU, err := s.packageTopology()
	if err != nil {
		return err
	}
	if len(packageCPU) == 0 {
		return fmt.Errorf("msr: no CPU packages found under %s", s.sysfs)
	}

	for pkg := 0; pkg < len(packageCPU); pkg++ {
		cpu, ok := packageCPU[pkg]
		if !ok {
			return fmt.Errorf("msr: package %d has no mapped CPU", pkg)
		}

		path := fmt.Sprintf(s.devfs, cpu)
		f, err := os.Open(path)
		if err != nil {
			s.Close()
			return fmt.Errorf("msr: opening %s: %w", path, err)
		}
		s.files[pkg] = f

		addr := fmt.Sprintf("cpu_package_%d", pkg)
		if s.domain == DomainDRAM {
			addr = fmt.Sprintf("dram_package_%d", pkg)
		}
		s.units = append(s.units, NewUnit(pkg, addr))
	}

	s.logger.Debug("MSR source initialized", "vendor", s.vendor, "packages", len(s.units))
	return nil
}

func (s *MSRSource) Units() []*Unit {
	return s.units
}

// ReadCounter reads the 32-bit energy status counter of a package. The
// resolution is decoded from the power unit register on the first read
// and reused afterwards.
func (s *MSRSource) ReadCounter(id int) (Sample, error) {
	f, ok := s.files[id]
	if !ok {
		return Sample{}, fmt.Errorf("msr: unknown unit id %d", id)
	}

	if s.resolution == 0 {
		unit, err := readMSR(f, s.unitMSR)
		if err != nil {
			return Sample{}, fmt.Errorf("msr: reading power unit register: %w", err)
		}
		s.resolution = decodeEnergyUnit(unit)
	}

	raw, err := readMSR(f, s.counter)
	if err != nil {
		return Sample{}, fmt.Errorf("msr: reading %s counter of package %d: %w", s.domain, id, err)
	}

	return Sample{
		Raw:        raw & 0xFFFFFFFF,
		Resolution: s.resolution,
		Timestamp:  uint64(s.clock.Now().UnixNano()),
	}, nil
}

func (s *MSRSource) CounterWidth() uint {
	return msrCounterWidth
}

func (s *MSRSource) Close() error {
	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = map[int]*os.File{}
	return nil
}

// cpuVendor reads the vendor id of the first processor from procfs.
func (s *MSRSource) cpuVendor() (string, error) {
	fs, err := procfs.NewFS(s.procfs)
	if err != nil {
		return "", fmt.Errorf("msr: opening procfs at %s: %w", s.procfs, err)
	}
	info, err := fs.CPUInfo()
	if err != nil {
		return "", fmt.Errorf("msr: reading cpuinfo: %w", err)
	}
	if len(info) == 0 {
		return "", fmt.Errorf("msr: cpuinfo lists no processors")
	}

	switch info[0].VendorID {
	case "GenuineIntel":
		return VendorIntel, nil
	case "AuthenticAMD":
		return VendorAMD, nil
	}
	return VendorUnknown, nil
}

// packageTopology maps each physical package id to the first hardware
// thread belonging to it, scanning cpu0, cpu1, ... until the topology
// file no longer exists.
func (s *MSRSource) packageTopology() (map[int]int, error) {
	packageCPU := map[int]int{}
	for cpu := 0; ; cpu++ {
		path := filepath.Join(s.sysfs,
			fmt.Sprintf("devices/system/cpu/cpu%d/topology/physical_package_id", cpu))
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, fmt.Errorf("msr: reading %s: %w", path, err)
		}

		var pkg int
		if _, err := fmt.Sscanf(string(data), "%d", &pkg); err != nil {
			return nil, fmt.Errorf("msr: parsing %s: %w", path, err)
		}
		if _, seen := packageCPU[pkg]; !seen {
			packageCPU[pkg] = cpu
		}
	}
	return packageCPU, nil
}

// Vendor returns the detected CPU vendor. Valid after Available.
func (s *MSRSource) Vendor() string {
	return s.vendor
}

// readMSR reads the 64-bit register at the given offset.
func readMSR(f *os.File, offset uint32) (uint64, error) {
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], int64(offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// decodeEnergyUnit converts the packed exponent in bits 12:8 of a power
// unit register into the counter resolution in Joules per count:
// 0.5^exponent.
func decodeEnergyUnit(unit uint64) float64 {
	return math.Pow(0.5, float64((unit>>8)&msrEnergyUnitMask))
}
