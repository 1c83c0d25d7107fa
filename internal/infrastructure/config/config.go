package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure shared by all Alicia substrate
// services. All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Registry  RegistryConfig  `yaml:"registry"`
	Router    RouterConfig    `yaml:"router"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServiceConfig identifies this process on the bus.
type ServiceConfig struct {
	Name         string   `yaml:"name"`
	InstanceID   string   `yaml:"instance_id"`
	Version      string   `yaml:"version"`
	Capabilities []string `yaml:"capabilities"`
	MaxInflight  int      `yaml:"max_inflight"`
	Weight       int      `yaml:"weight"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
// Delays are in seconds; backoff is exponential with full jitter.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	StartupGrace int `yaml:"startup_grace"`
}

// HeartbeatConfig controls the wrapper heartbeat loop.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_s"`
}

// Interval returns the heartbeat interval as a Duration.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// HealthConfig controls the per-service health/HTTP endpoint.
type HealthConfig struct {
	Bind string `yaml:"bind"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security gateway settings.
type SecurityConfig struct {
	Bind             string          `yaml:"bind"`
	CAFile           string          `yaml:"ca_file"`
	TokenSecret      string          `yaml:"token_secret"`
	TokenTTLMinutes  int             `yaml:"token_ttl_minutes"`
	KeyGraceHours    int             `yaml:"key_grace_hours"`
	DatabasePath     string          `yaml:"database_path"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	EncryptSensitive bool            `yaml:"encrypt_sensitive"`
}

// RateLimitConfig contains per-source-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// RegistryConfig contains registry and discovery settings.
type RegistryConfig struct {
	Bind               string `yaml:"bind"`
	TTLMultiplier      int    `yaml:"ttl_multiplier"`
	TTLGraceSeconds    int    `yaml:"ttl_grace_s"`
	OfflineRetainHours int    `yaml:"offline_retain_hours"`
	SnapshotPath       string `yaml:"snapshot_path"`
	SnapshotIntervalS  int    `yaml:"snapshot_interval_s"`
}

// RouterConfig contains voice router settings.
type RouterConfig struct {
	Bind                string  `yaml:"bind"`
	DefaultDeadlineMS   int     `yaml:"default_deadline_ms"`
	MaxDeadlineMS       int     `yaml:"max_deadline_ms"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	RegistryURL         string  `yaml:"registry_url"`
	SessionSweepSeconds int     `yaml:"session_sweep_s"`
	TTSBudgetSafetyMS   int     `yaml:"tts_budget_safety_ms"`
	SubBudgetPercentSTT int     `yaml:"sub_budget_percent_stt"`
	SubBudgetPercentAI  int     `yaml:"sub_budget_percent_ai"`
}

// BalancerConfig contains load balancer settings.
type BalancerConfig struct {
	Algorithm          string `yaml:"algorithm"`
	ProbeIntervalS     int    `yaml:"probe_interval_s"`
	RecoveryTimeoutS   int    `yaml:"recovery_timeout_s"`
	MaxInflight        int    `yaml:"max_inflight"`
	FailureThreshold   int    `yaml:"failure_threshold"`
	ProbeFailThreshold int    `yaml:"probe_fail_threshold"`
}

// MetricsConfig contains metrics collector settings.
type MetricsConfig struct {
	Bind             string         `yaml:"bind"`
	RingCapacity     int            `yaml:"ring_capacity"`
	RetentionSeconds int            `yaml:"retention_s"`
	EvalIntervalS    int            `yaml:"eval_interval_s"`
	SamplerIntervalS int            `yaml:"sampler_interval_s"`
	FlapSuppressionS int            `yaml:"flap_suppression_s"`
	InfluxDB         InfluxDBConfig `yaml:"influxdb"`
}

// InfluxDBConfig contains the optional InfluxDB sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// SchedulerConfig contains event scheduler settings.
type SchedulerConfig struct {
	Bind              string `yaml:"bind"`
	Workers           int    `yaml:"workers"`
	HistoryCap        int    `yaml:"history_cap"`
	SnapshotPath      string `yaml:"snapshot_path"`
	SnapshotIntervalS int    `yaml:"snapshot_interval_s"`
	ResponseTimeoutS  int    `yaml:"response_timeout_s"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ALICIA_SECTION_KEY
// For example: ALICIA_MQTT_HOST, ALICIA_SERVICE_NAME
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults (plus env
// overrides) when no config file exists at path. Used by services that can
// run entirely from environment variables.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		applyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "alicia-service",
			MaxInflight: 100,
			Weight:      1,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				StartupGrace: 30,
			},
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 15,
		},
		Health: HealthConfig{
			Bind: "0.0.0.0:8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			Bind:             "0.0.0.0:8443",
			TokenTTLMinutes:  60,
			KeyGraceHours:    24,
			DatabasePath:     "./data/gateway.db",
			EncryptSensitive: true,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
			},
		},
		Registry: RegistryConfig{
			Bind:               "0.0.0.0:8081",
			TTLMultiplier:      3,
			TTLGraceSeconds:    5,
			OfflineRetainHours: 24,
			SnapshotPath:       "./data/registry.db",
			SnapshotIntervalS:  30,
		},
		Router: RouterConfig{
			Bind:                "0.0.0.0:8082",
			DefaultDeadlineMS:   8000,
			MaxDeadlineMS:       15000,
			ConfidenceThreshold: 0.55,
			SessionSweepSeconds: 5,
			TTSBudgetSafetyMS:   200,
			SubBudgetPercentSTT: 40,
			SubBudgetPercentAI:  40,
		},
		Balancer: BalancerConfig{
			Algorithm:          "round_robin",
			ProbeIntervalS:     30,
			RecoveryTimeoutS:   60,
			MaxInflight:        100,
			FailureThreshold:   5,
			ProbeFailThreshold: 3,
		},
		Metrics: MetricsConfig{
			Bind:             "0.0.0.0:8083",
			RingCapacity:     1000,
			RetentionSeconds: 3600,
			EvalIntervalS:    10,
			SamplerIntervalS: 60,
			FlapSuppressionS: 30,
			InfluxDB: InfluxDBConfig{
				BatchSize:     100,
				FlushInterval: 10,
			},
		},
		Scheduler: SchedulerConfig{
			Bind:              "0.0.0.0:8084",
			Workers:           10,
			HistoryCap:        100,
			SnapshotPath:      "./data/scheduler.db",
			SnapshotIntervalS: 30,
			ResponseTimeoutS:  10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ALICIA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Service identity
	if v := os.Getenv("ALICIA_SERVICE_NAME"); v != "" {
		cfg.Service.Name = v
	}
	if v := os.Getenv("ALICIA_SERVICE_INSTANCE_ID"); v != "" {
		cfg.Service.InstanceID = v
	}

	// MQTT
	if v := os.Getenv("ALICIA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ALICIA_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ALICIA_MQTT_TLS"); v != "" {
		cfg.MQTT.Broker.TLS = v == "true" || v == "1"
	}
	if v := os.Getenv("ALICIA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ALICIA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Heartbeat
	if v := os.Getenv("ALICIA_HEARTBEAT_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Heartbeat.IntervalSeconds = n
		}
	}

	// Health endpoint
	if v := os.Getenv("ALICIA_HEALTH_BIND"); v != "" {
		cfg.Health.Bind = v
	}

	// Logging
	if v := os.Getenv("ALICIA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security - token secret (IMPORTANT: always override in production)
	if v := os.Getenv("ALICIA_TOKEN_SECRET"); v != "" {
		cfg.Security.TokenSecret = v
	}

	// Metrics - InfluxDB sink token
	if v := os.Getenv("ALICIA_INFLUXDB_TOKEN"); v != "" {
		cfg.Metrics.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.Name == "" {
		errs = append(errs, "service.name is required")
	}
	if c.Service.MaxInflight < 1 {
		errs = append(errs, "service.max_inflight must be at least 1")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Heartbeat.IntervalSeconds < 1 {
		errs = append(errs, "heartbeat.interval_s must be at least 1")
	}

	switch c.Balancer.Algorithm {
	case "round_robin", "least_connections", "weighted_round_robin", "random":
	default:
		errs = append(errs, "balancer.algorithm must be one of round_robin, least_connections, weighted_round_robin, random")
	}

	if c.Router.DefaultDeadlineMS > c.Router.MaxDeadlineMS {
		errs = append(errs, "router.default_deadline_ms must not exceed router.max_deadline_ms")
	}
	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		errs = append(errs, "router.confidence_threshold must be between 0 and 1")
	}

	if c.Metrics.RingCapacity < 1 {
		errs = append(errs, "metrics.ring_capacity must be at least 1")
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// TTL returns the registry eviction TTL for a given heartbeat interval.
// A descriptor is marked offline when no heartbeat arrives within
// ttl_multiplier * interval + ttl_grace_s.
func (r RegistryConfig) TTL(heartbeatInterval time.Duration) time.Duration {
	return time.Duration(r.TTLMultiplier)*heartbeatInterval +
		time.Duration(r.TTLGraceSeconds)*time.Second
}

// SnapshotInterval returns the snapshot cadence as a Duration.
func (r RegistryConfig) SnapshotInterval() time.Duration {
	return time.Duration(r.SnapshotIntervalS) * time.Second
}

// StartupGrace returns the broker startup grace period as a Duration.
func (m MQTTConfig) StartupGrace() time.Duration {
	return time.Duration(m.Reconnect.StartupGrace) * time.Second
}
