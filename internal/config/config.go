// Package config loads coordinator configuration from environment
// variables, optionally overlaid by a YAML file. Precedence, lowest to
// highest: built-in defaults, YAML file, environment, command-line flags
// (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all coordinator configuration.
type Config struct {
	// Listeners
	WSAddr   string `yaml:"ws_addr"`   // agent WebSocket listener
	HTTPAddr string `yaml:"http_addr"` // client HTTP API listener

	// Storage
	ImageDir string `yaml:"image_dir"`
	DBPath   string `yaml:"db_path"`

	// Authentication
	SecretPath string `yaml:"secret_path"`

	// Requests and retention
	RequestTimeout time.Duration `yaml:"request_timeout"` // fan-out deadline
	RetentionMins  int           `yaml:"retention_mins"`  // image lifetime; 0 prompts interactively
	SweepInterval  time.Duration `yaml:"sweep_interval"`  // retention tick
	OrphanSchedule string        `yaml:"orphan_schedule"` // cron spec for the reconcile scan

	// Notifications
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	MQTTBroker     string            `yaml:"mqtt_broker"`
	MQTTTopic      string            `yaml:"mqtt_topic"`
	MQTTUsername   string            `yaml:"mqtt_username"`
	MQTTPassword   string            `yaml:"mqtt_password"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		WSAddr:         envStr("REMOSHOT_WS_ADDR", ":9951"),
		HTTPAddr:       envStr("REMOSHOT_HTTP_ADDR", ":8080"),
		ImageDir:       envStr("REMOSHOT_IMAGE_DIR", "images"),
		DBPath:         envStr("REMOSHOT_DB_PATH", "remoshot.db"),
		SecretPath:     envStr("REMOSHOT_SECRET_PATH", "secret.key"),
		RequestTimeout: envDuration("REMOSHOT_REQUEST_TIMEOUT", 10*time.Second),
		RetentionMins:  envInt("REMOSHOT_RETENTION_MINS", 0),
		SweepInterval:  envDuration("REMOSHOT_SWEEP_INTERVAL", time.Minute),
		OrphanSchedule: envStr("REMOSHOT_ORPHAN_SCHEDULE", "@daily"),
		WebhookURL:     envStr("REMOSHOT_WEBHOOK_URL", ""),
		MQTTBroker:     envStr("REMOSHOT_MQTT_BROKER", ""),
		MQTTTopic:      envStr("REMOSHOT_MQTT_TOPIC", "remoshot/events"),
		MQTTUsername:   envStr("REMOSHOT_MQTT_USERNAME", ""),
		MQTTPassword:   envStr("REMOSHOT_MQTT_PASSWORD", ""),
		LogJSON:        envBool("REMOSHOT_LOG_JSON", false),
		LogLevel:       envStr("REMOSHOT_LOG_LEVEL", "info"),
	}
}

// LoadFile overlays cfg with values from a YAML file. Only keys present
// in the file are touched.
func LoadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks configuration for invalid values. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if c.WSAddr == "" {
		errs = append(errs, errors.New("REMOSHOT_WS_ADDR must not be empty"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("REMOSHOT_HTTP_ADDR must not be empty"))
	}
	if c.WSAddr != "" && c.WSAddr == c.HTTPAddr {
		errs = append(errs, fmt.Errorf("agent and client listeners must not share an address, both are %q", c.WSAddr))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REMOSHOT_REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout))
	}
	if c.RetentionMins < 0 {
		errs = append(errs, fmt.Errorf("REMOSHOT_RETENTION_MINS must be >= 0, got %d", c.RetentionMins))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("REMOSHOT_SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval))
	}
	if _, err := cron.ParseStandard(c.OrphanSchedule); err != nil {
		errs = append(errs, fmt.Errorf("REMOSHOT_ORPHAN_SCHEDULE %q is not a valid cron spec: %w", c.OrphanSchedule, err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, fmt.Errorf("REMOSHOT_LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel))
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		errs = append(errs, errors.New("REMOSHOT_MQTT_TOPIC must not be empty when a broker is set"))
	}
	return errors.Join(errs...)
}

// Retention returns the configured image lifetime as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMins) * time.Minute
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
