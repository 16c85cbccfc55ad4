// Package config holds the daemon-level settings for a crossfs or
// etcfs process: logging, service ports, mount options, and the
// strata-root/override tuning spec.md leaves as deployment choices.
// This is distinct from internal/store's live routing table, which is
// mutated only via the control file (spec.md §4.2) and never read
// from this YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete daemon configuration for one mount.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Mount    MountConfig    `yaml:"mount"`
	Strata   StrataConfig   `yaml:"strata"`
	Override OverrideConfig `yaml:"override"`
	Features FeatureConfig  `yaml:"features"`
}

// GlobalConfig holds logging and service-port settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	Debug       bool   `yaml:"debug"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	ProfilePort int    `yaml:"profile_port"`
}

// MountConfig holds the FUSE mount options spec.md §6 passes through.
type MountConfig struct {
	MountPoint      string `yaml:"mount_point"`
	AllowOther      bool   `yaml:"allow_other"`
	Foreground      bool   `yaml:"foreground"`
	SingleThreaded  bool   `yaml:"single_threaded"`
	NonEmptyMount   bool   `yaml:"nonempty"`
	ControlFileName string `yaml:"control_file_name"`
}

// StrataConfig locates the on-disk stratum layout (spec.md §6).
type StrataConfig struct {
	// Root is the directory holding one subdirectory per stratum
	// (conventionally /bedrock/strata).
	Root string `yaml:"root"`
	// GlobalStratum is etcfs's designated global stratum name.
	GlobalStratum string `yaml:"global_stratum"`
}

// OverrideConfig tunes etcfs's override-reapplication rate limit
// (spec.md §4.5: "re-application is suppressed if less than or equal
// to one second has elapsed").
type OverrideConfig struct {
	ReapplyWindow time.Duration `yaml:"reapply_window"`
}

// FeatureConfig toggles optional ops tooling that costs nothing to
// the FUSE protocol itself: memory watchdog, pprof profiling.
type FeatureConfig struct {
	MemoryWatchdog bool `yaml:"memory_watchdog"`
	Profiling      bool `yaml:"profiling"`
}

// NewDefault returns a configuration with sensible defaults for a
// daemon started with no config file.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			Debug:       false,
			MetricsPort: 8080,
			HealthPort:  8081,
			ProfilePort: 6060,
		},
		Mount: MountConfig{
			AllowOther:      true,
			Foreground:      false,
			SingleThreaded:  false,
			NonEmptyMount:   true,
			ControlFileName: ".bedrock-config-filesystem",
		},
		Strata: StrataConfig{
			Root:          "/bedrock/strata",
			GlobalStratum: "bedrock",
		},
		Override: OverrideConfig{
			ReapplyWindow: time.Second,
		},
		Features: FeatureConfig{
			MemoryWatchdog: false,
			Profiling:      false,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying it on
// whatever the Configuration already holds (typically NewDefault's
// result).
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays BEDROCK_-prefixed environment variables onto c.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("BEDROCK_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("BEDROCK_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("BEDROCK_DEBUG"); val != "" {
		c.Global.Debug = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BEDROCK_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("BEDROCK_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}
	if val := os.Getenv("BEDROCK_STRATA_ROOT"); val != "" {
		c.Strata.Root = val
	}
	if val := os.Getenv("BEDROCK_GLOBAL_STRATUM"); val != "" {
		c.Strata.GlobalStratum = val
	}
	if val := os.Getenv("BEDROCK_OVERRIDE_REAPPLY_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Override.ReapplyWindow = d
		}
	}
	if val := os.Getenv("BEDROCK_MEMORY_WATCHDOG"); val != "" {
		c.Features.MemoryWatchdog = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BEDROCK_PROFILING"); val != "" {
		c.Features.Profiling = strings.ToLower(val) == "true"
	}
	return nil
}

// SaveToFile writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for internally inconsistent or
// out-of-range settings.
func (c *Configuration) Validate() error {
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if !strings.HasPrefix(c.Strata.Root, "/") {
		return fmt.Errorf("strata.root must be an absolute path, got %q", c.Strata.Root)
	}

	if c.Override.ReapplyWindow <= 0 {
		return fmt.Errorf("override.reapply_window must be positive")
	}

	return nil
}
