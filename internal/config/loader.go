package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Load loads and validates configuration from:
// 1. Default values
// 2. config.yaml file (optional)
// 3. HOOKCHAT_* environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := readConfig(v, configPath); err != nil {
		return nil, fmt.Errorf("%w: failed to load config file: %v", ErrConfiguration, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// readConfig initializes and loads the configuration using viper.
func readConfig(v *viper.Viper, configPath string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HOOKCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow missing config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %v", err)
		}
	}

	return nil
}

// setDefaults sets default values for optional configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.json", DefaultLogJSON)

	v.SetDefault("database.path", DefaultDBPath)

	v.SetDefault("webhook.request_timeout", DefaultWebhookRequestTimeout)
	v.SetDefault("webhook.transfer_timeout", DefaultWebhookTransferTimeout)
	v.SetDefault("webhook.user_agent", DefaultWebhookUserAgent)

	v.SetDefault("retry.max_attempts", DefaultRetryMaxAttempts)
	v.SetDefault("retry.initial_delay", DefaultRetryInitialDelay)
	v.SetDefault("retry.max_delay", DefaultRetryMaxDelay)
	v.SetDefault("retry.multiplier", DefaultRetryMultiplier)

	v.SetDefault("retention.max_message_age", DefaultRetentionMaxMessageAge)

	v.SetDefault("scheduler.tasks.retention_sweep.enabled", true)
	v.SetDefault("scheduler.tasks.retention_sweep.schedule", "0 4 * * *")
	v.SetDefault("scheduler.tasks.sql_maintenance.enabled", true)
	v.SetDefault("scheduler.tasks.sql_maintenance.schedule", "0 5 * * 0")

	v.SetDefault("device.platform", DefaultDevicePlatform)
	v.SetDefault("device.app_version", DefaultDeviceAppVersion)
	v.SetDefault("device.device_model", runtime.GOARCH)
	v.SetDefault("device.os_version", runtime.GOOS)
	v.SetDefault("device.voice_enabled", false)
}
