package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "FLEET_"

// ConfigPathEnvVar overrides the config file location
const ConfigPathEnvVar = "FLEET_CONFIG"

// DefaultConfigPaths are searched in order when no path is given
var DefaultConfigPaths = []string{
	"fleet.yaml",
	"fleet.yml",
	"/etc/fleet/fleet.yaml",
}

// Config is the full application configuration
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Relay     RelayConfig     `koanf:"relay"`
	Agent     AgentConfig     `koanf:"agent"`
	Detection DetectionConfig `koanf:"detection"`
	Transport TransportConfig `koanf:"transport"`
	Retry     RetryConfig     `koanf:"retry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RelayConfig configures the broadcast relay
type RelayConfig struct {
	Addr               string        `koanf:"addr"`
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`
	WriteWait          time.Duration `koanf:"write_wait"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute"`
	IPRateLimitPerMin  int           `koanf:"ip_rate_limit_per_minute"`
	AllowedOrigins     []string      `koanf:"allowed_origins"`
}

// AgentConfig configures the tracking agent
type AgentConfig struct {
	DriverName     string        `koanf:"driver_name"`
	RelayURL       string        `koanf:"relay_url"`
	FallbackURL    string        `koanf:"fallback_url"`
	StorePath      string        `koanf:"store_path"`
	Source         string        `koanf:"source"`
	ReplayFile     string        `koanf:"replay_file"`
	SampleInterval time.Duration `koanf:"sample_interval"`
	DrainInterval  time.Duration `koanf:"drain_interval"`
	// MetricsAddr serves the agent's /metrics; empty disables it
	MetricsAddr    string        `koanf:"metrics_addr"`
}

// DetectionConfig holds the motion/stop detector thresholds
type DetectionConfig struct {
	MovementThresholdM       float64       `koanf:"movement_threshold_m"`
	PositionFilterThresholdM float64       `koanf:"position_filter_threshold_m"`
	VeryPoorAccuracyM        float64       `koanf:"very_poor_accuracy_m"`
	StopDetectionTime        time.Duration `koanf:"stop_detection_time"`
	Distance                 string        `koanf:"distance"`
}

// TransportConfig holds relay connection settings
type TransportConfig struct {
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `koanf:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `koanf:"max_reconnect_delay"`
	PingInterval         time.Duration `koanf:"ping_interval"`
	FallbackAfter        time.Duration `koanf:"fallback_after"`
	RequestTimeout       time.Duration `koanf:"request_timeout"`
}

// RetryConfig is the default retry strategy
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Factor     float64       `koanf:"factor"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Relay: RelayConfig{
			Addr:               ":8080",
			HeartbeatInterval:  30 * time.Second,
			WriteWait:          10 * time.Second,
			RateLimitPerMinute: 120,
			IPRateLimitPerMin:  600,
			AllowedOrigins:     []string{"*"},
		},
		Agent: AgentConfig{
			RelayURL:       "ws://localhost:8080/ws",
			FallbackURL:    "http://localhost:8080",
			StorePath:      "./fleet.db",
			Source:         "simulate",
			SampleInterval: 5 * time.Second,
			DrainInterval:  15 * time.Second,
			MetricsAddr:    "localhost:9091",
		},
		Detection: DetectionConfig{
			MovementThresholdM:       20,
			PositionFilterThresholdM: 10,
			VeryPoorAccuracyM:        50,
			StopDetectionTime:        30 * time.Second,
			Distance:                 "haversine",
		},
		Transport: TransportConfig{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       3 * time.Second,
			MaxReconnectDelay:    30 * time.Second,
			PingInterval:         30 * time.Second,
			FallbackAfter:        60 * time.Second,
			RequestTimeout:       10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   60 * time.Second,
			Factor:     2,
		},
	}
}

// Load layers defaults, the YAML file at path (or the first default path
// found) and FLEET_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitList(k, "relay.allowed_origins"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Detection.MovementThresholdM <= 0 {
		errs = append(errs, errors.New("detection.movement_threshold_m must be positive"))
	}
	if c.Detection.PositionFilterThresholdM < 0 {
		errs = append(errs, errors.New("detection.position_filter_threshold_m must not be negative"))
	}
	if c.Detection.VeryPoorAccuracyM <= 0 {
		errs = append(errs, errors.New("detection.very_poor_accuracy_m must be positive"))
	}
	if c.Detection.StopDetectionTime <= 0 {
		errs = append(errs, errors.New("detection.stop_detection_time must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, errors.New("retry.factor must be at least 1"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("transport.max_reconnect_attempts must not be negative"))
	}
	if c.Relay.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("relay.rate_limit_per_minute must be positive"))
	}
	switch c.Agent.Source {
	case "simulate", "replay":
	default:
		errs = append(errs, fmt.Errorf("agent.source %q is not one of simulate, replay", c.Agent.Source))
	}
	return errors.Join(errs...)
}

// ValidateAgent checks the settings only the agent needs.
func (c *Config) ValidateAgent() error {
	if strings.TrimSpace(c.Agent.DriverName) == "" {
		return errors.New("agent.driver_name is required")
	}
	if c.Agent.Source == "replay" && c.Agent.ReplayFile == "" {
		return errors.New("agent.replay_file is required for the replay source")
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps FLEET_RELAY_RATE_LIMIT_PER_MINUTE to relay.rate_limit_per_minute.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	return strings.Replace(key, "_", ".", 1)
}

func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok || s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}
