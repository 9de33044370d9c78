package domain

import (
	"time"
)

// Keys read by the webhook pipeline.
const (
	KeyWebhookEnabled        = "webhook_enabled"
	KeyWebhookEndpoint       = "webhook_endpoint"
	KeyWebhookSecretEnabled  = "webhook_secret_enabled"
	KeyWebhookSecretKey      = "webhook_secret_key"
	KeyWebhookEvents         = "webhook_events"
	KeyWebhookSigningVersion = "webhook_signing_version"
	KeyWebhookRetryCount     = "webhook_retry_count"
	KeyWebhookRetryDelay     = "webhook_retry_delay"
)

// WebhookKeys is the fixed key set, in display order.
var WebhookKeys = []string{
	KeyWebhookEnabled,
	KeyWebhookEndpoint,
	KeyWebhookSecretEnabled,
	KeyWebhookSecretKey,
	KeyWebhookEvents,
	KeyWebhookSigningVersion,
	KeyWebhookRetryCount,
	KeyWebhookRetryDelay,
}

// IsWebhookKey reports whether key belongs to the webhook key set.
func IsWebhookKey(key string) bool {
	for _, k := range WebhookKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Setting is one row of the key-value settings store.
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value"`
	Encrypted bool      `gorm:"column:encrypted"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Setting) TableName() string { return "settings" }

// WebhookSettings is the plaintext view handed to the webhook pipeline.
// A disabled webhook needs no secret key.
type WebhookSettings struct {
	Enabled        bool
	Endpoint       string `validate:"omitempty,url"`
	SecretEnabled  bool
	SecretKey      string        `validate:"required_if=Enabled true SecretEnabled true"`
	Events         []string      `validate:"dive,required"`
	SigningVersion string        `validate:"oneof=v1 v2"`
	RetryCount     int           `validate:"gte=0,lte=10"`
	RetryDelay     time.Duration `validate:"gte=0"`
}

// Disabled is returned whenever settings cannot be read, parsed or validated.
func Disabled() WebhookSettings {
	return WebhookSettings{
		Enabled:        false,
		SecretEnabled:  true,
		Events:         []string{},
		SigningVersion: "v2",
	}
}
