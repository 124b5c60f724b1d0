package config

import "time"

// Default configuration values. Webhook timeouts mirror the classic
// 30s request / 60s transfer split.
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = false

	DefaultDBPath = "hookchat.db"

	DefaultWebhookRequestTimeout  = 30 * time.Second
	DefaultWebhookTransferTimeout = 60 * time.Second
	DefaultWebhookUserAgent       = "hookchat/1.0"

	DefaultRetryMaxAttempts  = 3
	DefaultRetryInitialDelay = 1 * time.Second
	DefaultRetryMaxDelay     = 60 * time.Second
	DefaultRetryMultiplier   = 2.0

	DefaultRetentionMaxMessageAge = 90 * 24 * time.Hour

	DefaultDevicePlatform   = "go"
	DefaultDeviceAppVersion = "1.0"
)
