// Package config manages application configuration from defaults, an
// optional config.yaml, and HOOKCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration wraps all configuration loading and validation failures.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Retention RetentionConfig `mapstructure:"retention"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Device    DeviceConfig    `mapstructure:"device"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig controls the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// WebhookConfig controls the remote dispatcher.
type WebhookConfig struct {
	// RequestTimeout bounds how long the endpoint may take to answer with
	// response headers.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=5m"`
	// TransferTimeout bounds the whole exchange including body transfer.
	// It is distinct from, and should exceed, the request timeout.
	TransferTimeout time.Duration `mapstructure:"transfer_timeout" validate:"min=1s,max=10m"`
	UserAgent       string        `mapstructure:"user_agent" validate:"required"`
}

// RetryConfig feeds the retry policy used for transient dispatcher
// operations such as connection tests.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"min=100ms"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"min=1s"`
	Multiplier   float64       `mapstructure:"multiplier" validate:"min=1"`
}

// RetentionConfig controls the scheduled purge of old messages.
type RetentionConfig struct {
	// MaxMessageAge is how long messages are kept. Zero disables the sweep.
	MaxMessageAge time.Duration `mapstructure:"max_message_age"`
}

// SchedulerConfig holds cron schedules for background tasks, keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig enables a single scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// DeviceConfig identifies this client in webhook payloads.
type DeviceConfig struct {
	// ID overrides the stable device identifier. When left empty the
	// identifier is generated once and persisted in the credential store.
	ID           string `mapstructure:"id"`
	Platform     string `mapstructure:"platform" validate:"required"`
	AppVersion   string `mapstructure:"app_version" validate:"required"`
	DeviceModel  string `mapstructure:"device_model"`
	OSVersion    string `mapstructure:"os_version"`
	VoiceEnabled bool   `mapstructure:"voice_enabled"`
}

// Validate checks the complete configuration against struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Webhook.TransferTimeout < c.Webhook.RequestTimeout {
		return errors.New("webhook.transfer_timeout must be >= webhook.request_timeout")
	}
	return nil
}
