// Package config loads application settings from flags, environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	OutputDashboard = "dashboard"
	OutputCSV       = "csv"
)

type DeviceConfig struct {
	// Name is a case-insensitive substring of the advertised device name.
	Name string `mapstructure:"name"`
	// Address pins an exact adapter address and takes precedence over Name.
	Address string `mapstructure:"address"`
}

type RetryConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

type MockConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Port serves the mock device's HTTP control endpoint; 0 disables it.
	Port int `mapstructure:"port"`
}

type Config struct {
	Device            DeviceConfig  `mapstructure:"device"`
	ScanTimeout       time.Duration `mapstructure:"scan_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	Retry             RetryConfig   `mapstructure:"retry"`
	// Output is "dashboard" for the terminal UI or "csv" for stdout rows.
	Output  string     `mapstructure:"output"`
	LogFile string     `mapstructure:"log_file"`
	Mock    MockConfig `mapstructure:"mock"`
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".config", "oximon")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("device.name", "OxySmart")
	v.SetDefault("device.address", "")
	v.SetDefault("scan_timeout", 30*time.Second)
	v.SetDefault("connect_timeout", 15*time.Second)
	v.SetDefault("inactivity_timeout", 10*time.Second)
	v.SetDefault("retry.min_delay", 1*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("output", OutputDashboard)
	v.SetDefault("log_file", filepath.Join(DefaultDir(), "oximon.log"))
	v.SetDefault("mock.enabled", false)
	v.SetDefault("mock.port", 8070)

	v.SetEnvPrefix("OXIMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load builds the configuration. flags, if non-nil, must be parsed
// already; flags that were set override file and environment values.
// configFile, if non-empty, must exist; otherwise the default location is
// tried and silently skipped when absent.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := newViper()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if flags != nil {
		bindings := map[string]string{
			"device":             "device.name",
			"address":            "device.address",
			"scan-timeout":       "scan_timeout",
			"connect-timeout":    "connect_timeout",
			"inactivity-timeout": "inactivity_timeout",
			"retry-min":          "retry.min_delay",
			"retry-max":          "retry.max_delay",
			"output":             "output",
			"log-file":           "log_file",
			"mock":               "mock.enabled",
			"mock-port":          "mock.port",
		}
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			key, ok := bindings[f.Name]
			if !ok {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("bind flag --%s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Device.Name == "" && c.Device.Address == "" {
		return fmt.Errorf("config: device.name or device.address must be set")
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("config: scan_timeout must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be > 0")
	}
	if c.InactivityTimeout < 0 {
		return fmt.Errorf("config: inactivity_timeout cannot be negative")
	}
	if c.Retry.MinDelay <= 0 {
		return fmt.Errorf("config: retry.min_delay must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.MinDelay {
		return fmt.Errorf("config: retry.max_delay cannot be below retry.min_delay")
	}
	switch c.Output {
	case OutputDashboard, OutputCSV:
	default:
		return fmt.Errorf("config: output must be %q or %q, got %q", OutputDashboard, OutputCSV, c.Output)
	}
	return nil
}
