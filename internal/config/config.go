package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel   = "INFO"
	DefaultBaseURL    = "http://localhost:8005"
	DefaultTimeoutSec = 10
	DefaultListen     = ":8080"

	DefaultLiveDevicesPath    = "/connected-devices"
	DefaultBlockedDevicesPath = "/blocked-devices"
	DefaultNotificationsPath  = "/api/notifications"
	DefaultBlockPath          = "/macfilter"
	DefaultUnblockPath        = "/unblock"
	DefaultBandwidthPath      = "/total-bandwidth-usage"
	DefaultSpeedPath          = "/network-speed"

	DefaultLiveIntervalSec          = 20
	DefaultBlockedIntervalSec       = 30
	DefaultNotificationsIntervalSec = 30
	DefaultBandwidthIntervalSec     = 5
	DefaultSpeedIntervalSec         = 30
	DefaultWatchIntervalSec         = 2
	DefaultNotificationsLimit       = 100

	DefaultBandwidthCapacity   = 20
	DefaultDeviceCountCapacity = 24
	DefaultDeviceCapacity      = 20

	DefaultStaleCycles = 1

	DefaultRateLimitPerMin = 120
	DefaultRateBurst       = 30
	// RateLimitDisabled turns the per-client limit off; 0 means the default.
	RateLimitDisabled = -1

	BandwidthModeAPI  = "api"
	BandwidthModeHost = "host"
)

// DefaultBands are polled when no band list is configured.
var DefaultBands = []string{"2.4GHz", "5GHz"}

// Config is the whole netdash configuration file.
type Config struct {
	LogLevel  string          `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN WARNING ERROR debug info warn warning error"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Sources   SourcesConfig   `yaml:"sources"`
	Series    SeriesConfig    `yaml:"series"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Server    ServerConfig    `yaml:"server"`
}

// UpstreamConfig describes the backend that serves device, filter and notification data.
type UpstreamConfig struct {
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	Token      string `yaml:"token,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec" validate:"min=1,max=120"`
	Paths      Paths  `yaml:"paths"`
}

// Paths are endpoint paths relative to the base URL.
type Paths struct {
	LiveDevices    string `yaml:"live_devices" validate:"required,startswith=/"`
	BlockedDevices string `yaml:"blocked_devices" validate:"required,startswith=/"`
	Notifications  string `yaml:"notifications" validate:"required,startswith=/"`
	Block          string `yaml:"block" validate:"required,startswith=/"`
	Unblock        string `yaml:"unblock" validate:"required,startswith=/"`
	Bandwidth      string `yaml:"bandwidth" validate:"required,startswith=/"`
	Speed          string `yaml:"speed" validate:"required,startswith=/"`
}

// SourcesConfig holds per-source polling settings.
type SourcesConfig struct {
	LiveDevices    SourceConfig        `yaml:"live_devices"`
	BlockedDevices BlockedSourceConfig `yaml:"blocked_devices"`
	Notifications  NotificationsConfig `yaml:"notifications"`
	Bandwidth      BandwidthConfig     `yaml:"bandwidth"`
	Speed          SourceConfig        `yaml:"speed"`
	DeviceWatch    SourceConfig        `yaml:"device_watch"`
}

// SourceConfig is the common part of every polled source.
// A nil Enabled means enabled.
type SourceConfig struct {
	IntervalSec int   `yaml:"interval_sec" validate:"min=1,max=300"`
	Enabled     *bool `yaml:"enabled,omitempty"`
}

// On reports whether the source should be polled.
func (s SourceConfig) On() bool {
	return s.Enabled == nil || *s.Enabled
}

// Interval is the polling interval as a duration.
func (s SourceConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

type BlockedSourceConfig struct {
	SourceConfig `yaml:",inline"`
	// Bands are queried one request each. An empty entry queries without a band.
	Bands []string `yaml:"bands"`
}

type NotificationsConfig struct {
	SourceConfig `yaml:",inline"`
	Limit        int    `yaml:"limit" validate:"min=0,max=10000"`
	Category     string `yaml:"category,omitempty"`
}

type BandwidthConfig struct {
	SourceConfig `yaml:",inline"`
	Mode         string `yaml:"mode" validate:"oneof=api host"`
}

// SeriesConfig sets the capacity of the bounded chart series.
type SeriesConfig struct {
	BandwidthCapacity   int `yaml:"bandwidth_capacity" validate:"min=1,max=10000"`
	DeviceCountCapacity int `yaml:"device_count_capacity" validate:"min=1,max=10000"`
	DeviceCapacity      int `yaml:"device_capacity" validate:"min=1,max=10000"`
}

// ReconcileConfig tunes the device view.
type ReconcileConfig struct {
	// StaleCycles is how many full live cycles a device may be missing before it is swept.
	StaleCycles int `yaml:"stale_cycles" validate:"min=1,max=100"`
}

// ServerConfig is used by the HTTP API.
type ServerConfig struct {
	Listen          string `yaml:"listen" validate:"required"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" validate:"min=-1"`
	Burst           int    `yaml:"burst" validate:"min=0"`
}

var validate = validator.New()

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks field rules and cross-field constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Sources.BlockedDevices.On() && len(cfg.Sources.BlockedDevices.Bands) == 0 {
		return fmt.Errorf("sources.blocked_devices.bands must not be empty")
	}
	seen := map[string]bool{}
	for _, b := range cfg.Sources.BlockedDevices.Bands {
		if seen[b] {
			return fmt.Errorf("sources.blocked_devices.bands: duplicate band %q", b)
		}
		seen[b] = true
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	up := &cfg.Upstream
	if up.BaseURL == "" {
		up.BaseURL = DefaultBaseURL
	}
	if up.TimeoutSec == 0 {
		up.TimeoutSec = DefaultTimeoutSec
	}
	defaultString(&up.Paths.LiveDevices, DefaultLiveDevicesPath)
	defaultString(&up.Paths.BlockedDevices, DefaultBlockedDevicesPath)
	defaultString(&up.Paths.Notifications, DefaultNotificationsPath)
	defaultString(&up.Paths.Block, DefaultBlockPath)
	defaultString(&up.Paths.Unblock, DefaultUnblockPath)
	defaultString(&up.Paths.Bandwidth, DefaultBandwidthPath)
	defaultString(&up.Paths.Speed, DefaultSpeedPath)

	src := &cfg.Sources
	defaultInt(&src.LiveDevices.IntervalSec, DefaultLiveIntervalSec)
	defaultInt(&src.BlockedDevices.IntervalSec, DefaultBlockedIntervalSec)
	if src.BlockedDevices.Bands == nil {
		src.BlockedDevices.Bands = append([]string(nil), DefaultBands...)
	}
	defaultInt(&src.Notifications.IntervalSec, DefaultNotificationsIntervalSec)
	defaultInt(&src.Notifications.Limit, DefaultNotificationsLimit)
	defaultInt(&src.Bandwidth.IntervalSec, DefaultBandwidthIntervalSec)
	defaultString(&src.Bandwidth.Mode, BandwidthModeAPI)
	defaultInt(&src.Speed.IntervalSec, DefaultSpeedIntervalSec)
	defaultInt(&src.DeviceWatch.IntervalSec, DefaultWatchIntervalSec)

	defaultInt(&cfg.Series.BandwidthCapacity, DefaultBandwidthCapacity)
	defaultInt(&cfg.Series.DeviceCountCapacity, DefaultDeviceCountCapacity)
	defaultInt(&cfg.Series.DeviceCapacity, DefaultDeviceCapacity)

	defaultInt(&cfg.Reconcile.StaleCycles, DefaultStaleCycles)

	defaultString(&cfg.Server.Listen, DefaultListen)
	defaultInt(&cfg.Server.RateLimitPerMin, DefaultRateLimitPerMin)
	defaultInt(&cfg.Server.Burst, DefaultRateBurst)
}

func defaultString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func defaultInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
