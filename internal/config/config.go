// Package config loads the daemon's YAML configuration file and
// applies environment-variable overrides on top of built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticDevice pins a friendly name onto a known MAC address.
type StaticDevice struct {
	MAC          string `yaml:"mac"`
	FriendlyName string `yaml:"friendly_name"`
}

// Config is the daemon's full configuration, merged from defaults,
// an optional YAML file, and MIJIABLEHT_-prefixed environment
// variables (env overrides file overrides defaults).
type Config struct {
	Bluetooth struct {
		Adapter int `yaml:"adapter"`
	} `yaml:"bluetooth"`

	MQTT struct {
		BrokerHost      string `yaml:"broker_host"`
		BrokerPort      int    `yaml:"broker_port"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		BaseTopic       string `yaml:"base_topic"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
		PublishInterval int    `yaml:"publish_interval"`
		QoS             byte   `yaml:"qos"`
		Retain          bool   `yaml:"retain"`
	} `yaml:"mqtt"`

	Thresholds struct {
		Temperature float64 `yaml:"temperature"`
		Humidity    float64 `yaml:"humidity"`
	} `yaml:"thresholds"`

	Statistics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"statistics"`

	Devices struct {
		StaticDevices []StaticDevice `yaml:"static_devices"`
	} `yaml:"devices"`

	Discovery struct {
		CleanupOnShutdown bool `yaml:"cleanup_on_shutdown"`
	} `yaml:"discovery"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Timezone string `yaml:"timezone"`
}

// Load reads the YAML file at path (if it exists), applies defaults,
// then applies MIJIABLEHT_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.MQTT.BrokerPort = 1883
	cfg.MQTT.ClientID = "mijiableht-daemon"
	cfg.MQTT.BaseTopic = "mijiableht"
	cfg.MQTT.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.PublishInterval = 300
	cfg.MQTT.QoS = 1
	cfg.MQTT.Retain = true
	cfg.Thresholds.Temperature = 0.2
	cfg.Thresholds.Humidity = 1.0
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Timezone = "UTC"
}

// Validate rejects configurations the daemon cannot run with; the
// caller exits with the configuration-invalid exit code on error.
func (c *Config) Validate() error {
	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("mqtt.broker_host is required")
	}
	if c.MQTT.BrokerPort <= 0 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("mqtt.broker_port must be 1-65535, got %d", c.MQTT.BrokerPort)
	}
	if c.Thresholds.Temperature < 0 {
		return fmt.Errorf("thresholds.temperature must be >= 0")
	}
	if c.Thresholds.Humidity < 0 {
		return fmt.Errorf("thresholds.humidity must be >= 0")
	}
	if c.MQTT.PublishInterval <= 0 {
		return fmt.Errorf("mqtt.publish_interval must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	for _, d := range c.Devices.StaticDevices {
		if d.MAC == "" {
			return fmt.Errorf("devices.static_devices: mac is required")
		}
	}
	return nil
}

// Location resolves the configured IANA timezone name.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// PublishInterval returns mqtt.publish_interval as a time.Duration.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.MQTT.PublishInterval) * time.Second
}

// FriendlyNames builds the mac -> friendly_name index the Cache uses,
// keyed by uppercase colon-separated MAC.
func (c *Config) FriendlyNames() map[string]string {
	out := make(map[string]string, len(c.Devices.StaticDevices))
	for _, d := range c.Devices.StaticDevices {
		if d.MAC == "" || d.FriendlyName == "" {
			continue
		}
		out[strings.ToUpper(d.MAC)] = d.FriendlyName
	}
	return out
}

// NewLogger builds the process-wide structured logger from log.level
// and log.format.
func NewLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// envOverride calls parse with the value of the MIJIABLEHT_-prefixed
// environment variable name, if that variable is set.
func envOverride(name string, parse func(value string)) {
	if v, ok := os.LookupEnv("MIJIABLEHT_" + name); ok {
		parse(v)
	}
}

func applyEnvOverrides(cfg *Config) {
	envOverride("BLUETOOTH_ADAPTER", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bluetooth.Adapter = n
		}
	})
	envOverride("MQTT_BROKER_HOST", func(v string) { cfg.MQTT.BrokerHost = v })
	envOverride("MQTT_BROKER_PORT", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.BrokerPort = n
		}
	})
	envOverride("MQTT_USERNAME", func(v string) { cfg.MQTT.Username = v })
	envOverride("MQTT_PASSWORD", func(v string) { cfg.MQTT.Password = v })
	envOverride("MQTT_CLIENT_ID", func(v string) { cfg.MQTT.ClientID = v })
	envOverride("MQTT_BASE_TOPIC", func(v string) { cfg.MQTT.BaseTopic = v })
	envOverride("MQTT_DISCOVERY_PREFIX", func(v string) { cfg.MQTT.DiscoveryPrefix = v })
	envOverride("MQTT_PUBLISH_INTERVAL", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.PublishInterval = n
		}
	})
	envOverride("MQTT_QOS", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.QoS = byte(n)
		}
	})
	envOverride("MQTT_RETAIN", func(v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.Retain = b
		}
	})
	envOverride("THRESHOLDS_TEMPERATURE", func(v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Thresholds.Temperature = f
		}
	})
	envOverride("THRESHOLDS_HUMIDITY", func(v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Thresholds.Humidity = f
		}
	})
	envOverride("STATISTICS_ENABLED", func(v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Statistics.Enabled = b
		}
	})
	envOverride("DISCOVERY_CLEANUP_ON_SHUTDOWN", func(v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Discovery.CleanupOnShutdown = b
		}
	})
	envOverride("LOG_LEVEL", func(v string) { cfg.Log.Level = v })
	envOverride("LOG_FORMAT", func(v string) { cfg.Log.Format = v })
	envOverride("TIMEZONE", func(v string) { cfg.Timezone = v })
}
