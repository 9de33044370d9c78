package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrUnknownKey           = errors.New("unknown_setting_key")
	ErrEncryptionKeyMissing = errors.New("settings_encryption_key_missing")
	ErrInvalidCiphertext    = errors.New("invalid_settings_ciphertext")
	ErrInvalidValue         = errors.New("invalid_setting_value")
)

// Provider supplies webhook settings. It never returns an error; failures
// produce Disabled().
type Provider interface {
	GetWebhookSettings(ctx context.Context) WebhookSettings
}

type Service interface {
	Provider
	Put(ctx context.Context, key, value string, encrypt bool) error
}

type Repository interface {
	List(ctx context.Context, db *gorm.DB, keys []string) ([]Setting, error)
	Upsert(ctx context.Context, db *gorm.DB, setting Setting) error
}
