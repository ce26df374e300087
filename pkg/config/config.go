package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/role"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Server role
	DeviceName           string `yaml:"device_name" default:"QuickBLE"`
	AdvertiseDeviceName  bool   `yaml:"advertise_device_name" default:"true"`
	AdvertiseMode        string `yaml:"advertise_mode" default:"balanced"`
	AdvertiseOnStart     bool   `yaml:"advertise_on_start" default:"true"`
	NotifyChangingDevice bool   `yaml:"notify_changing_device"`
	ReadInternalWrites   bool   `yaml:"read_internal_writes"`

	// Client role
	ContinuousScan bool          `yaml:"continuous_scan"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`

	// EventBuffer is the capacity of the scripting host event queue.
	EventBuffer int `yaml:"event_buffer" default:"256"`

	RequestBtTitle   string `yaml:"request_bt_title" default:"Bluetooth required"`
	RequestBtMessage string `yaml:"request_bt_message" default:"This application needs Bluetooth. Turn it on?"`
	RequestBtConfirm string `yaml:"request_bt_confirm" default:"Turn on"`
	RequestBtDeny    string `yaml:"request_bt_deny" default:"Cancel"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, ok := native.ParseAdvertiseMode(c.AdvertiseMode); !ok {
		return fmt.Errorf("unknown advertise mode %q", c.AdvertiseMode)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Prompt returns the texts of the enable-Bluetooth dialog.
func (c *Config) Prompt() native.Prompt {
	return native.Prompt{
		Title:   c.RequestBtTitle,
		Message: c.RequestBtMessage,
		Confirm: c.RequestBtConfirm,
		Deny:    c.RequestBtDeny,
	}
}

func (c *Config) ServerOptions() role.ServerOptions {
	mode, _ := native.ParseAdvertiseMode(c.AdvertiseMode)
	return role.ServerOptions{
		DeviceName:           c.DeviceName,
		AdvertiseDeviceName:  c.AdvertiseDeviceName,
		AdvertiseMode:        mode,
		AdvertiseOnStart:     c.AdvertiseOnStart,
		NotifyChangingDevice: c.NotifyChangingDevice,
		ReadInternalWrites:   c.ReadInternalWrites,
		Prompt:               c.Prompt(),
	}
}

func (c *Config) ClientOptions() role.ClientOptions {
	return role.ClientOptions{
		ContinuousScan: c.ContinuousScan,
		Prompt:         c.Prompt(),
	}
}
