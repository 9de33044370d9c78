package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WebhookDefaults are used for webhook settings that are missing from the settings store.
type WebhookDefaults struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"endpoint"`
	SecretEnabled  bool          `mapstructure:"secretEnabled"`
	Events         []string      `mapstructure:"events"`
	SigningVersion string        `mapstructure:"signingVersion"`
	RetryCount     int           `mapstructure:"retryCount"`
	RetryDelay     time.Duration `mapstructure:"retryDelay"`
}

func DefaultWebhookDefaults() WebhookDefaults {
	return WebhookDefaults{
		Enabled:        false,
		SecretEnabled:  true,
		Events:         []string{},
		SigningVersion: "v2",
		RetryCount:     3,
		RetryDelay:     5 * time.Second,
	}
}

type WebhookDefaultsHolder struct {
	current atomic.Value // holds WebhookDefaults
}

// NewStaticWebhookDefaultsHolder returns a holder that never reloads.
func NewStaticWebhookDefaultsHolder(defaults WebhookDefaults) *WebhookDefaultsHolder {
	holder := &WebhookDefaultsHolder{}
	holder.current.Store(defaults)
	return holder
}

func NewWebhookDefaultsHolder() (*WebhookDefaultsHolder, error) {
	return LoadWebhookDefaults(
		"/var/lib/mawared/config", // Volume-mounted config
		"/etc/mawared",            // System config
		".",                       // Current directory (dev mode)
	)
}

// LoadWebhookDefaults reads webhook.yml from the first matching path and watches it for changes.
func LoadWebhookDefaults(paths ...string) (*WebhookDefaultsHolder, error) {
	v := viper.New()

	v.SetConfigName("webhook")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("MAWARED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultWebhookDefaults()
	v.SetDefault("webhook.enabled", defaults.Enabled)
	v.SetDefault("webhook.secretEnabled", defaults.SecretEnabled)
	v.SetDefault("webhook.events", defaults.Events)
	v.SetDefault("webhook.signingVersion", defaults.SigningVersion)
	v.SetDefault("webhook.retryCount", defaults.RetryCount)
	v.SetDefault("webhook.retryDelay", defaults.RetryDelay)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	cfg, err := decodeWebhookDefaults(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticWebhookDefaultsHolder(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeWebhookDefaults(v)
		if err != nil {
			log.Printf("[webhook-config] reload ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[webhook-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *WebhookDefaultsHolder) Get() WebhookDefaults {
	if h == nil {
		return DefaultWebhookDefaults()
	}
	value, ok := h.current.Load().(WebhookDefaults)
	if !ok {
		return DefaultWebhookDefaults()
	}
	return value
}

// decodeWebhookDefaults unmarshals through AllSettings so file values merge with defaults.
func decodeWebhookDefaults(v *viper.Viper) (WebhookDefaults, error) {
	var wrapper struct {
		Webhook WebhookDefaults `mapstructure:"webhook"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return WebhookDefaults{}, err
	}
	if err := validateWebhookDefaults(wrapper.Webhook); err != nil {
		return WebhookDefaults{}, err
	}
	return wrapper.Webhook, nil
}

func validateWebhookDefaults(cfg WebhookDefaults) error {
	switch strings.ToLower(strings.TrimSpace(cfg.SigningVersion)) {
	case "v1", "v2":
	default:
		return errors.New("webhook.signingVersion must be v1 or v2")
	}
	if cfg.RetryCount < 0 {
		return errors.New("webhook.retryCount cannot be negative")
	}
	if cfg.RetryDelay < 0 {
		return errors.New("webhook.retryDelay cannot be negative")
	}
	return nil
}
