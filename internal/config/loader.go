// Package config loads the boost daemon configuration: the set of
// managed thermostat devices plus tunables for retries, bounds
// fallbacks, persistence, and the HTTP API.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RetryConfig holds the retry policy applied to unreliable actuators.
type RetryConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	DelaySeconds int `yaml:"delay_seconds"`
}

// Delay returns the configured delay as a duration.
func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// Settings holds instance-wide tunables.
type Settings struct {
	ImperialUnits bool        `yaml:"imperial_units"`
	MaxBoostHours float64     `yaml:"max_boost_hours"`
	StorePath     string      `yaml:"store_path"`
	APIPort       int         `yaml:"api_port"`
	Retry         RetryConfig `yaml:"retry"`
}

// DeviceConfig describes one managed thermostat.
type DeviceConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	ClimateEntity string `yaml:"climate_entity"`
	CallForHeat   bool   `yaml:"call_for_heat"`
}

// BoostConfig represents the boost_config.yaml structure.
type BoostConfig struct {
	Settings Settings       `yaml:"settings"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// Loader manages configuration file loading.
type Loader struct {
	configDir string
	logger    *zap.Logger
	config    *BoostConfig
}

// NewLoader creates a new configuration loader.
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
	}
}

// Load reads and validates boost_config.yaml.
func (l *Loader) Load() error {
	path := filepath.Join(l.configDir, "boost_config.yaml")
	l.logger.Info("Loading configuration", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read boost config: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return err
	}

	l.config = config
	l.logger.Info("Configuration loaded",
		zap.Int("devices", len(config.Devices)),
		zap.Int("retry_max_attempts", config.Settings.Retry.MaxAttempts))
	return nil
}

// Get returns the loaded configuration.
func (l *Loader) Get() *BoostConfig {
	return l.config
}

// Parse decodes and validates raw YAML configuration.
func Parse(data []byte) (*BoostConfig, error) {
	var config BoostConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse boost config: %w", err)
	}

	applyDefaults(&config.Settings)

	if len(config.Devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	seen := make(map[string]bool)
	for i, device := range config.Devices {
		if device.ID == "" {
			return nil, fmt.Errorf("device %d: id is required", i)
		}
		if seen[device.ID] {
			return nil, fmt.Errorf("device %q: duplicate id", device.ID)
		}
		seen[device.ID] = true

		if device.ClimateEntity == "" {
			return nil, fmt.Errorf("device %q: climate_entity is required", device.ID)
		}
		if device.Name == "" {
			config.Devices[i].Name = device.ID
		}
	}

	return &config, nil
}

func applyDefaults(s *Settings) {
	if s.MaxBoostHours <= 0 {
		s.MaxBoostHours = 24
	}
	if s.StorePath == "" {
		s.StorePath = "boost_timers.db"
	}
	if s.APIPort == 0 {
		s.APIPort = 8082
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry.MaxAttempts = 5
	}
	if s.Retry.DelaySeconds <= 0 {
		s.Retry.DelaySeconds = 10
	}
}
