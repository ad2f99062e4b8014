// Package config loads the orchestration core's single configuration
// document (§6) with spf13/viper, the way the teacher's
// internal/config.Load builds a Config from a YAML file plus
// environment overrides.
package config

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DeviceSpec is §6's DeviceSpec table entry.
type DeviceSpec struct {
	DeviceID     string            `yaml:"device_id" mapstructure:"device_id"`
	Endpoint     string            `yaml:"endpoint" mapstructure:"endpoint"`
	Capabilities []string          `yaml:"capabilities" mapstructure:"capabilities"`
	OS           string            `yaml:"os" mapstructure:"os"`
	Metadata     map[string]string `yaml:"metadata" mapstructure:"metadata"`
	AutoConnect  bool              `yaml:"auto_connect" mapstructure:"auto_connect"`
	MaxRetries   int               `yaml:"max_retries" mapstructure:"max_retries"`

	// AuthSecret, when set, requires this device's register frame to
	// carry a bearer token signed with this shared secret; empty
	// leaves the register handshake unauthenticated.
	AuthSecret string `yaml:"auth_secret" mapstructure:"auth_secret"`
}

// PlannerSpec is §6's `planner` field: endpoint/credentials for the
// external decomposer/editor.
type PlannerSpec struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Config is the complete §6 configuration document.
type Config struct {
	ConstellationID          string       `yaml:"constellation_id" mapstructure:"constellation_id"`
	HeartbeatIntervalMS      int          `yaml:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
	HeartbeatExpiryMultiplier int         `yaml:"heartbeat_expiry_multiplier" mapstructure:"heartbeat_expiry_multiplier"`
	ReconnectDelayMS         int          `yaml:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms"`
	MaxConcurrentTasks       int          `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	MaxStep                  int          `yaml:"max_step" mapstructure:"max_step"`
	MaxPlannerRetries        int          `yaml:"max_planner_retries" mapstructure:"max_planner_retries"`
	Devices                  []DeviceSpec `yaml:"devices" mapstructure:"devices"`
	Planner                  PlannerSpec  `yaml:"planner" mapstructure:"planner"`

	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogJSON   bool   `yaml:"log_json" mapstructure:"log_json"`
	StorePath string `yaml:"store_path" mapstructure:"store_path"`
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("heartbeat_interval_ms", 10000)
	v.SetDefault("heartbeat_expiry_multiplier", 3)
	v.SetDefault("reconnect_delay_ms", 5000)
	v.SetDefault("max_concurrent_tasks", 6)
	v.SetDefault("max_step", 15)
	v.SetDefault("max_planner_retries", 3)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("listen_addr", ":8080")
	return v
}

// Load reads configFile (or searches the teacher's conventional
// locations when empty), applies OCC_ environment overrides, and
// validates the result.
func Load(configFile string) (*Config, error) {
	v := defaults()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("constellation")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.constellation")
		v.AddConfigPath("/etc/constellation")
	}

	v.SetEnvPrefix("OCC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural requirements §6 lists as required
// fields, grounded in the teacher's internal/config/validation.go
// per-section validators.
func Validate(cfg *Config) error {
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("config: at least one device is required")
	}
	seen := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("config: devices[%d]: device_id is required", i)
		}
		if d.Endpoint == "" {
			return fmt.Errorf("config: devices[%d]: endpoint is required", i)
		}
		if _, err := multiaddr.NewMultiaddr(d.Endpoint); err != nil {
			// Not every transport endpoint is a valid multiaddr (a bare
			// ws:// URL, for instance); the parse result is discarded,
			// so this is not a validation failure.
			_ = err
		}
		if seen[d.DeviceID] {
			return fmt.Errorf("config: duplicate device_id %q", d.DeviceID)
		}
		seen[d.DeviceID] = true
	}
	if cfg.Planner.BaseURL == "" {
		return fmt.Errorf("config: planner.base_url is required")
	}
	return nil
}

// DefaultDocument renders a starter configuration document for `config
// init`, the same way the teacher's configuration-manager marshals a
// Config/profile back to YAML rather than hand-writing a template
// string.
func DefaultDocument() ([]byte, error) {
	cfg := Config{
		HeartbeatIntervalMS:       10000,
		HeartbeatExpiryMultiplier: 3,
		ReconnectDelayMS:          5000,
		MaxConcurrentTasks:        6,
		MaxStep:                   15,
		MaxPlannerRetries:         3,
		LogLevel:                  "info",
		ListenAddr:                ":8080",
		Devices: []DeviceSpec{
			{DeviceID: "laptop", Endpoint: "ws://localhost:9001/aip", Capabilities: []string{"shell", "browser"}, OS: "linux", AutoConnect: true, MaxRetries: 5},
		},
		Planner: PlannerSpec{BaseURL: "http://localhost:11434", Model: "llama3.1"},
	}
	return yaml.Marshal(cfg)
}
