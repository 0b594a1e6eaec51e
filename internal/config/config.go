// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Disable struct {
		CPU       bool `yaml:"cpu"`
		DRAM      bool `yaml:"dram"`
		GPUAMD    bool `yaml:"gpuAMD"`
		GPUIntel  bool `yaml:"gpuIntel"`
		GPUNvidia bool `yaml:"gpuNvidia"`
	}

	// BMC describes a Redfish endpoint used as node power probe.
	BMC struct {
		Endpoint string `yaml:"endpoint"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Insecure bool   `yaml:"insecure"`
	}

	Overhead struct {
		// Command is a shell command printing the instantaneous node
		// power in watts on its first output line.
		Command string `yaml:"command"`

		// Redfish reads the node power from a BMC instead of a command.
		Redfish *BMC `yaml:"redfish"`
	}

	Web struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listenAddress"`
	}

	Host struct {
		SysFS   string `yaml:"sysfs"`
		ProcFS  string `yaml:"procfs"`
		MSRPath string `yaml:"msrPath"`
	}

	Config struct {
		Log Log `yaml:"log"`

		// Dir is the directory holding the per-unit counter files.
		// Should live on a tmpfs or ramfs mount to avoid wearing out a
		// storage device.
		Dir string `yaml:"dir"`

		// Interval is the time between two collection cycles in
		// seconds.
		Interval int `yaml:"interval"`

		// Verbose logs every unit's reading each cycle.
		Verbose bool `yaml:"verbose"`

		Disable Disable `yaml:"disable"`

		// MockWatts adds one synthetic counter per entry, each with a
		// fixed power draw.
		MockWatts []uint32 `yaml:"mockWatts"`

		Overhead Overhead `yaml:"overhead"`

		Web Web `yaml:"web"`

		Host Host `yaml:"host"`
	}
)

// Flag names
const (
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	DirFlag      = "dir"
	IntervalFlag = "interval"
	VerboseFlag  = "verbose"

	DisableCPUFlag       = "disable-cpu"
	DisableDRAMFlag      = "disable-dram"
	DisableGPUAMDFlag    = "disable-gpu-amd"
	DisableGPUIntelFlag  = "disable-gpu-intel"
	DisableGPUNvidiaFlag = "disable-gpu-nvidia"

	MockFlag         = "mock"
	FindOverheadFlag = "find-overhead"

	WebEnabledFlag = "web.enabled"
	WebListenFlag  = "web.listen-address"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Dir:      "/tmp/ecounter",
		Interval: 10,
		Web: Web{
			Enabled:       false,
			ListenAddress: ":28282",
		},
		Host: Host{
			SysFS:   "/sys",
			ProcFS:  "/proc",
			MSRPath: "/dev/cpu/%d/msr",
		},
	}
}

// SampleInterval returns the collection interval as a duration.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// Load loads configuration from an io.Reader on top of the defaults
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(strings.ToLower(c.Log.Level))
	c.Log.Format = strings.TrimSpace(strings.ToLower(c.Log.Format))
	c.Dir = strings.TrimSpace(c.Dir)
	c.Overhead.Command = strings.TrimSpace(c.Overhead.Command)
}

// Validate checks semantic constraints that yaml parsing cannot
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level: %q", c.Log.Level))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format: %q", c.Log.Format))
	}

	if c.Dir == "" {
		errs = append(errs, "output directory must not be empty")
	}

	if c.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("interval must be positive, got %d", c.Interval))
	}

	if c.Overhead.Command != "" && c.Overhead.Redfish != nil {
		errs = append(errs, "overhead command and redfish probe are mutually exclusive")
	}

	if c.Overhead.Redfish != nil && c.Overhead.Redfish.Endpoint == "" {
		errs = append(errs, "redfish probe requires an endpoint")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(out)
}

// ConfigUpdaterFn applies parsed command line flags to a Config
type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with the kingpin app and
// returns a ConfigUpdaterFn that overrides config file settings with
// the flags that were explicitly set
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	dir := app.Flag(DirFlag, "Directory where the counter files are stored; should be on a tmpfs or ramfs mount").Default("/tmp/ecounter").String()
	interval := app.Flag(IntervalFlag, "Seconds between two collection cycles").Default("10").Int()
	verbose := app.Flag(VerboseFlag, "Log every unit's reading each cycle").Short('v').Bool()

	disableCPU := app.Flag(DisableCPUFlag, "Disable CPU package energy support").Bool()
	disableDRAM := app.Flag(DisableDRAMFlag, "Disable DRAM energy support").Bool()
	disableGPUAMD := app.Flag(DisableGPUAMDFlag, "Disable AMD GPU energy support").Bool()
	disableGPUIntel := app.Flag(DisableGPUIntelFlag, "Disable Intel GPU energy support").Bool()
	disableGPUNvidia := app.Flag(DisableGPUNvidiaFlag, "Disable NVIDIA GPU energy support").Bool()

	mocks := app.Flag(MockFlag, "Add a mock counter with a fixed power draw in watts; repeatable").Uint32List()
	findOverhead := app.Flag(FindOverheadFlag, "Shell command returning the instantaneous node power in watts, used to estimate the power overhead").String()

	webEnabled := app.Flag(WebEnabledFlag, "Expose counters on a Prometheus metrics endpoint").Bool()
	webListen := app.Flag(WebListenFlag, "Listen address of the metrics endpoint").Default(":28282").String()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[DirFlag] {
			cfg.Dir = *dir
		}
		if flagsSet[IntervalFlag] {
			cfg.Interval = *interval
		}
		if flagsSet[VerboseFlag] {
			cfg.Verbose = *verbose
		}
		if flagsSet[DisableCPUFlag] {
			cfg.Disable.CPU = *disableCPU
		}
		if flagsSet[DisableDRAMFlag] {
			cfg.Disable.DRAM = *disableDRAM
		}
		if flagsSet[DisableGPUAMDFlag] {
			cfg.Disable.GPUAMD = *disableGPUAMD
		}
		if flagsSet[DisableGPUIntelFlag] {
			cfg.Disable.GPUIntel = *disableGPUIntel
		}
		if flagsSet[DisableGPUNvidiaFlag] {
			cfg.Disable.GPUNvidia = *disableGPUNvidia
		}
		if flagsSet[MockFlag] {
			cfg.MockWatts = *mocks
		}
		if flagsSet[FindOverheadFlag] {
			cfg.Overhead.Command = *findOverhead
		}
		if flagsSet[WebEnabledFlag] {
			cfg.Web.Enabled = *webEnabled
		}
		if flagsSet[WebListenFlag] {
			cfg.Web.ListenAddress = *webListen
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}
