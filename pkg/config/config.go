// Package config provides configuration structures and loading logic for polis-exec.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the file and environment are read.
const (
	DefaultThreads      = 4
	DefaultAdminAddress = ":19091"
	DefaultServiceName  = "polis-exec"
	DefaultEntrypoint   = "pipeline/admission"
	DefaultMaxRuns      = 1000
)

// Config holds the global configuration.
type Config struct {
	Executor  ExecutorConfig  `yaml:"executor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Admin     AdminConfig     `yaml:"admin"`
	Admission AdmissionConfig `yaml:"admission"`
}

// ExecutorConfig holds pipeline executor settings.
type ExecutorConfig struct {
	Threads           int  `yaml:"threads"`
	ProfileProcessors bool `yaml:"profile_processors"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	// SampleRatio is the fraction of root pipeline traces recorded.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AdminConfig holds configuration for the admin HTTP server.
type AdminConfig struct {
	Address string `yaml:"address"`
	MaxRuns int    `yaml:"max_runs"`
}

// AdmissionConfig selects the admission policy.
type AdmissionConfig struct {
	PolicyFile string `yaml:"policy_file"`
	Entrypoint string `yaml:"entrypoint"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Executor:  ExecutorConfig{Threads: DefaultThreads},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: DefaultServiceName, SampleRatio: 1},
		Admin:     AdminConfig{Address: DefaultAdminAddress, MaxRuns: DefaultMaxRuns},
		Admission: AdmissionConfig{Entrypoint: DefaultEntrypoint},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_EXEC_THREADS"); val != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			cfg.Executor.Threads = n
		}
	}
	if val := os.Getenv("POLIS_EXEC_PROFILE"); val == "true" {
		cfg.Executor.ProfileProcessors = true
	}

	if val := os.Getenv("POLIS_EXEC_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_EXEC_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("POLIS_EXEC_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_EXEC_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("POLIS_EXEC_SERVICE_NAME"); val != "" {
		cfg.Telemetry.ServiceName = val
	}

	if val := os.Getenv("POLIS_EXEC_ADMIN_ADDR"); val != "" {
		cfg.Admin.Address = val
	}

	if val := os.Getenv("POLIS_EXEC_POLICY_FILE"); val != "" {
		cfg.Admission.PolicyFile = val
	}
	if val := os.Getenv("POLIS_EXEC_POLICY_ENTRYPOINT"); val != "" {
		cfg.Admission.Entrypoint = val
	}
}

// Validate normalises the configuration and reports invalid values.
func (c *Config) Validate() error {
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin configuration: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission configuration: %w", err)
	}
	return nil
}

// Validate clamps the thread count to at least one. It never fails.
func (c *ExecutorConfig) Validate() error {
	if c.Threads < 1 {
		c.Threads = 1
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio %v must be between 0 and 1", c.SampleRatio)
	}
	return nil
}

// Validate performs validation of admin configuration
func (c *AdminConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = DefaultAdminAddress
	}
	if c.MaxRuns <= 0 {
		c.MaxRuns = DefaultMaxRuns
	}
	return nil
}

// Validate performs validation of admission configuration
func (c *AdmissionConfig) Validate() error {
	if strings.TrimSpace(c.Entrypoint) == "" {
		c.Entrypoint = DefaultEntrypoint
	}
	if strings.Contains(c.Entrypoint, ".") {
		return fmt.Errorf("entrypoint %q must use / as separator", c.Entrypoint)
	}
	return nil
}
