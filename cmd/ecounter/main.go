// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/hewlettpackard/ecounter/internal/config"
	"github.com/hewlettpackard/ecounter/internal/device"
	"github.com/hewlettpackard/ecounter/internal/exporter/filesink"
	"github.com/hewlettpackard/ecounter/internal/exporter/prometheus"
	"github.com/hewlettpackard/ecounter/internal/logger"
	"github.com/hewlettpackard/ecounter/internal/monitor"
	"github.com/hewlettpackard/ecounter/internal/nodepower"
	"github.com/hewlettpackard/ecounter/internal/service"
	"github.com/hewlettpackard/ecounter/internal/version"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(log)

	if err := run(log, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("ecounter terminated with an error", "error", err)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func run(log *slog.Logger, cfg *config.Config) error {
	groups, err := discoverGroups(log, cfg)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return fmt.Errorf("no energy counter available on this node")
	}

	var addrs []string
	for _, g := range groups {
		for _, u := range g.Units {
			addrs = append(addrs, u.Addr)
		}
	}
	sink := filesink.New(cfg.Dir, addrs, filesink.WithLogger(log))

	probe, cleanup, err := newProbe(log, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	monitorOpts := []monitor.OptionFn{
		monitor.WithLogger(log),
		monitor.WithInterval(cfg.SampleInterval()),
		monitor.WithVerbose(cfg.Verbose),
	}
	if probe != nil {
		monitorOpts = append(monitorOpts, monitor.WithNodePowerProbe(probe))
	}
	mon := monitor.NewMonitor(groups, sink, monitorOpts...)

	services := []service.Service{
		sink,
		mon,
		service.NewSignalHandler(log, os.Interrupt, syscall.SIGTERM),
	}
	if cfg.Web.Enabled {
		services = append(services, prometheus.NewExporter(mon,
			prometheus.WithLogger(log),
			prometheus.WithListenAddress(cfg.Web.ListenAddress),
		))
	}

	if err := service.Init(log, services); err != nil {
		return err
	}

	log.Info("Starting ecounter", "dir", cfg.Dir, "interval", cfg.SampleInterval())
	return service.Run(context.Background(), log, services)
}

// discoverGroups probes every enabled backend and binds the available
// ones into component groups. An unavailable backend is skipped; a
// backend that is present but fails to initialize is an error.
func discoverGroups(log *slog.Logger, cfg *config.Config) ([]*device.Group, error) {
	var groups []*device.Group

	// vendor is a callback because some backends only know their
	// vendor after the availability probe ran.
	add := func(kind string, vendor func() string, src device.CounterSource, util device.UtilizationSource) error {
		if !src.Available() {
			log.Info("skipping unavailable counter source", "source", src.Name())
			return nil
		}
		if err := src.Init(); err != nil {
			return fmt.Errorf("initializing %s: %w", src.Name(), err)
		}
		g := device.NewGroup(kind, vendor(), src, util)
		log.Info("counter source initialized", "source", src.Name(), "units", len(g.Units))
		groups = append(groups, g)
		return nil
	}
	staticVendor := func(v string) func() string {
		return func() string { return v }
	}

	msrOpts := []device.MSROptionFn{
		device.WithMSRLogger(log),
		device.WithMSRDevicePath(cfg.Host.MSRPath),
		device.WithMSRSysfsPath(cfg.Host.SysFS),
		device.WithMSRProcfsPath(cfg.Host.ProcFS),
	}

	if !cfg.Disable.CPU {
		src := device.NewMSRSource(device.DomainPackage, msrOpts...)
		if err := add("cpu", src.Vendor, src, nil); err != nil {
			return nil, err
		}
	}

	if !cfg.Disable.DRAM {
		src := device.NewMSRSource(device.DomainDRAM, msrOpts...)
		if err := add("dram", src.Vendor, src, nil); err != nil {
			return nil, err
		}
	}

	if !cfg.Disable.GPUAMD {
		src := device.NewHwmonGPUSource(device.GPUVendorAMD,
			device.WithHwmonLogger(log),
			device.WithHwmonSysfsPath(cfg.Host.SysFS),
		)
		if err := add("gpu", staticVendor("amd"), src, src); err != nil {
			return nil, err
		}
	}

	if !cfg.Disable.GPUIntel {
		src := device.NewHwmonGPUSource(device.GPUVendorIntel,
			device.WithHwmonLogger(log),
			device.WithHwmonSysfsPath(cfg.Host.SysFS),
		)
		if err := add("gpu", staticVendor("intel"), src, nil); err != nil {
			return nil, err
		}
	}

	if !cfg.Disable.GPUNvidia {
		src := device.NewNVMLSource(device.WithNVMLLogger(log))
		if err := add("gpu", staticVendor("nvidia"), src, nil); err != nil {
			return nil, err
		}
	}

	if len(cfg.MockWatts) > 0 {
		src := device.NewMockSource(cfg.MockWatts, device.WithMockLogger(log))
		if err := add("mock", staticVendor("mock"), src, nil); err != nil {
			return nil, err
		}
	}

	return groups, nil
}

// newProbe builds the node power probe when the overhead estimator is
// configured. The returned cleanup releases probe resources on exit.
func newProbe(log *slog.Logger, cfg *config.Config) (monitor.NodePowerProbe, func(), error) {
	switch {
	case cfg.Overhead.Command != "":
		return nodepower.NewCommandProbe(cfg.Overhead.Command, log), nil, nil

	case cfg.Overhead.Redfish != nil:
		probe := nodepower.NewRedfishProbe(nodepower.BMCConfig{
			Endpoint: cfg.Overhead.Redfish.Endpoint,
			Username: cfg.Overhead.Redfish.Username,
			Password: cfg.Overhead.Redfish.Password,
			Insecure: cfg.Overhead.Redfish.Insecure,
		}, log)
		if err := probe.Init(); err != nil {
			return nil, nil, err
		}
		return probe, func() { _ = probe.Close() }, nil
	}

	return nil, nil, nil
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "ecounter"
	app := kingpin.New(appName, "Periodically fetches hardware energy counters and exposes each as a file holding the accumulated Joules.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("Error loading config file", "path", *configFile, "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
	}

	// Command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		log.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("ecounter version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}
