package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parhamdavari/pulse"
)

// serverConfig is the YAML shape of the demo server's config file. Durations
// are strings in Go syntax ("5m", "30s") so the file stays readable.
type serverConfig struct {
	Listen            string `yaml:"listen"`
	LogLevel          string `yaml:"log_level"`
	MountPath         string `yaml:"mount_path"`
	Window            string `yaml:"window"`
	BucketCount       int    `yaml:"bucket_count"`
	AutoProbeInterval string `yaml:"auto_probe_interval"`
	HealthyLatency    string `yaml:"healthy_latency"`
	PermissiveCORS    bool   `yaml:"permissive_cors"`
	DetailedLogging   bool   `yaml:"detailed_logging"`
	Prometheus        bool   `yaml:"prometheus"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Listen:          ":8080",
		LogLevel:        "info",
		DetailedLogging: true,
	}
}

// loadConfig reads the YAML file at path, or returns defaults when path is
// empty.
func loadConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment overrides on the file config.
func (c serverConfig) applyEnv() serverConfig {
	if v := os.Getenv("PULSE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c
}

// pulseConfig translates the file shape into the engine's config, parsing
// duration strings and leaving zero values for the engine's defaults.
func (c serverConfig) pulseConfig() (pulse.Config, error) {
	out := pulse.Config{
		BucketCount:     c.BucketCount,
		MountPath:       c.MountPath,
		DetailedLogging: c.DetailedLogging,
		PermissiveCORS:  c.PermissiveCORS,
	}

	var err error
	if out.Window, err = parseDuration(c.Window); err != nil {
		return out, fmt.Errorf("window: %w", err)
	}
	if out.AutoProbeInterval, err = parseDuration(c.AutoProbeInterval); err != nil {
		return out, fmt.Errorf("auto_probe_interval: %w", err)
	}
	if out.HealthyLatency, err = parseDuration(c.HealthyLatency); err != nil {
		return out, fmt.Errorf("healthy_latency: %w", err)
	}
	return out, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
