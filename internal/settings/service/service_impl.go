package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/mawared/internal/clock"
	"github.com/smallbiznis/mawared/internal/config"
	"github.com/smallbiznis/mawared/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	Cfg      config.Config
	Defaults *config.WebhookDefaultsHolder `optional:"true"`
	Clock    clock.Clock                   `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	encKey   []byte
	defaults *config.WebhookDefaultsHolder
	clock    clock.Clock
	validate *validator.Validate
}

func New(p Params) (domain.Service, error) {
	key, err := deriveKey(p.Cfg.SettingsEncryptionSecret)
	if err != nil {
		return nil, err
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settings.service"),
		repo:     p.Repo,
		encKey:   key,
		defaults: p.Defaults,
		clock:    clk,
		validate: validator.New(),
	}, nil
}

// GetWebhookSettings never fails: any read, decrypt, parse or validation
// problem yields domain.Disabled().
func (s *Service) GetWebhookSettings(ctx context.Context) domain.WebhookSettings {
	rows, err := s.repo.List(ctx, s.db, domain.WebhookKeys)
	if err != nil {
		s.log.Error("failed to load webhook settings", zap.Error(err))
		return domain.Disabled()
	}

	settings := s.fromDefaults()
	for _, row := range rows {
		value := row.Value
		if row.Encrypted {
			value, err = decryptValue(s.encKey, row.Value)
			if err != nil {
				s.log.Error("failed to decrypt setting", zap.String("key", row.Key), zap.Error(err))
				return domain.Disabled()
			}
		}
		if err := apply(&settings, row.Key, value); err != nil {
			s.log.Error("invalid setting value", zap.String("key", row.Key), zap.Error(err))
			return domain.Disabled()
		}
	}

	if err := s.validate.Struct(settings); err != nil {
		s.log.Error("webhook settings failed validation", zap.Error(err))
		return domain.Disabled()
	}
	return settings
}

func (s *Service) fromDefaults() domain.WebhookSettings {
	d := s.defaults.Get()
	events := make([]string, 0, len(d.Events))
	events = append(events, d.Events...)
	return domain.WebhookSettings{
		Enabled:        d.Enabled,
		Endpoint:       d.Endpoint,
		SecretEnabled:  d.SecretEnabled,
		Events:         events,
		SigningVersion: strings.ToLower(strings.TrimSpace(d.SigningVersion)),
		RetryCount:     d.RetryCount,
		RetryDelay:     d.RetryDelay,
	}
}

// Put stores one webhook setting, encrypting the value when asked to.
func (s *Service) Put(ctx context.Context, key, value string, encrypt bool) error {
	key = strings.TrimSpace(key)
	if !domain.IsWebhookKey(key) {
		return domain.ErrUnknownKey
	}

	parsed := domain.WebhookSettings{}
	if err := apply(&parsed, key, value); err != nil {
		return err
	}

	stored := value
	if encrypt {
		var err error
		stored, err = encryptValue(s.encKey, value)
		if err != nil {
			return err
		}
	}

	if err := s.repo.Upsert(ctx, s.db, domain.Setting{
		Key:       key,
		Value:     stored,
		Encrypted: encrypt,
		UpdatedAt: s.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("store setting %s: %w", key, err)
	}

	s.log.Info("setting updated", zap.String("key", key), zap.Bool("encrypted", encrypt))
	return nil
}

func apply(settings *domain.WebhookSettings, key, value string) error {
	value = strings.TrimSpace(value)
	var err error
	switch key {
	case domain.KeyWebhookEnabled:
		settings.Enabled, err = parseBool(value)
	case domain.KeyWebhookEndpoint:
		settings.Endpoint = value
	case domain.KeyWebhookSecretEnabled:
		settings.SecretEnabled, err = parseBool(value)
	case domain.KeyWebhookSecretKey:
		settings.SecretKey = value
	case domain.KeyWebhookEvents:
		settings.Events, err = parseEvents(value)
	case domain.KeyWebhookSigningVersion:
		settings.SigningVersion = strings.ToLower(value)
	case domain.KeyWebhookRetryCount:
		settings.RetryCount, err = strconv.Atoi(value)
	case domain.KeyWebhookRetryDelay:
		settings.RetryDelay, err = parseDelay(value)
	default:
		return domain.ErrUnknownKey
	}
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidValue, key)
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, domain.ErrInvalidValue
	}
}

func parseEvents(value string) ([]string, error) {
	if value == "" {
		return []string{}, nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, err
	}
	events := make([]string, 0, len(raw))
	for _, ev := range raw {
		if ev = strings.TrimSpace(ev); ev != "" {
			events = append(events, ev)
		}
	}
	return events, nil
}

// parseDelay accepts a Go duration ("5s") or a bare number of seconds.
func parseDelay(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}
