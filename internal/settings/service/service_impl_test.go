package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/mawared/internal/clock"
	"github.com/smallbiznis/mawared/internal/config"
	"github.com/smallbiznis/mawared/internal/settings/domain"
	"github.com/smallbiznis/mawared/internal/settings/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "test-settings-secret"

func TestGetWebhookSettingsDecryptsSecret(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t, testSecret)

	mustPut(t, svc, domain.KeyWebhookEnabled, "true", false)
	mustPut(t, svc, domain.KeyWebhookSecretEnabled, "1", false)
	mustPut(t, svc, domain.KeyWebhookSecretKey, "whsec_live", true)
	mustPut(t, svc, domain.KeyWebhookEvents, `["TransactionStatusChanged"," RefundStatusChanged ",""]`, false)
	mustPut(t, svc, domain.KeyWebhookSigningVersion, "V1", false)
	mustPut(t, svc, domain.KeyWebhookRetryCount, "2", false)
	mustPut(t, svc, domain.KeyWebhookRetryDelay, "7", false)

	got := svc.GetWebhookSettings(ctx)
	if !got.Enabled || !got.SecretEnabled {
		t.Fatalf("expected enabled settings, got %+v", got)
	}
	if got.SecretKey != "whsec_live" {
		t.Fatalf("expected decrypted secret")
	}
	if len(got.Events) != 2 || got.Events[1] != "RefundStatusChanged" {
		t.Fatalf("unexpected events %v", got.Events)
	}
	if got.SigningVersion != "v1" || got.RetryCount != 2 || got.RetryDelay != 7*time.Second {
		t.Fatalf("unexpected parsed values %+v", got)
	}
}

func TestGetWebhookSettingsStoresCiphertext(t *testing.T) {
	svc, db := setupService(t, testSecret)
	mustPut(t, svc, domain.KeyWebhookSecretKey, "whsec_live", true)

	var row domain.Setting
	if err := db.Raw("SELECT key, value, encrypted, updated_at FROM settings WHERE key = ?", domain.KeyWebhookSecretKey).Scan(&row).Error; err != nil {
		t.Fatalf("load setting: %v", err)
	}
	if !row.Encrypted || row.Value == "whsec_live" {
		t.Fatalf("expected ciphertext at rest, got %q", row.Value)
	}
}

func TestGetWebhookSettingsFallsBackToDefaults(t *testing.T) {
	svc, _ := setupService(t, testSecret)

	got := svc.GetWebhookSettings(context.Background())
	if got.Enabled {
		t.Fatalf("expected disabled default")
	}
	if !got.SecretEnabled || got.SecretKey != "" {
		t.Fatalf("expected signature checks on by default with no key, got %+v", got)
	}
	if got.SigningVersion != "v2" || got.RetryCount != 3 || got.RetryDelay != 5*time.Second {
		t.Fatalf("expected built-in defaults, got %+v", got)
	}
}

func TestGetWebhookSettingsEnablingRequiresSecretKey(t *testing.T) {
	svc, _ := setupService(t, testSecret)
	mustPut(t, svc, domain.KeyWebhookRetryCount, "4", false)

	// Still disabled: the missing key is not an error and stored values show.
	if got := svc.GetWebhookSettings(context.Background()); got.Enabled || got.RetryCount != 4 {
		t.Fatalf("expected disabled settings with stored retry count, got %+v", got)
	}

	mustPut(t, svc, domain.KeyWebhookEnabled, "true", false)
	if got := svc.GetWebhookSettings(context.Background()); got.Enabled || got.RetryCount != 0 {
		t.Fatalf("expected restrictive default once enabled without a key, got %+v", got)
	}

	mustPut(t, svc, domain.KeyWebhookSecretKey, "whsec_live", true)
	if got := svc.GetWebhookSettings(context.Background()); !got.Enabled || got.RetryCount != 4 {
		t.Fatalf("expected enabled settings, got %+v", got)
	}
}

func TestGetWebhookSettingsFailsClosed(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "malformed_events", key: domain.KeyWebhookEvents, value: `TransactionStatusChanged`},
		{name: "bad_bool", key: domain.KeyWebhookSecretEnabled, value: "maybe"},
		{name: "bad_version", key: domain.KeyWebhookSigningVersion, value: "v3"},
		{name: "negative_retry", key: domain.KeyWebhookRetryCount, value: "-1"},
		{name: "bad_endpoint", key: domain.KeyWebhookEndpoint, value: "not a url"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, db := setupService(t, testSecret)
			mustPut(t, svc, domain.KeyWebhookEnabled, "true", false)
			mustPut(t, svc, domain.KeyWebhookSecretKey, "whsec_live", true)
			insertRaw(t, db, tc.key, tc.value, false)

			if got := svc.GetWebhookSettings(context.Background()); got.Enabled {
				t.Fatalf("expected disabled settings for %s", tc.name)
			}
		})
	}
}

func TestGetWebhookSettingsMissingSecretDisables(t *testing.T) {
	svc, _ := setupService(t, testSecret)
	mustPut(t, svc, domain.KeyWebhookEnabled, "true", false)
	mustPut(t, svc, domain.KeyWebhookSecretEnabled, "true", false)

	if got := svc.GetWebhookSettings(context.Background()); got.Enabled {
		t.Fatalf("expected disabled settings without secret key")
	}
}

func TestGetWebhookSettingsWrongKeyDisables(t *testing.T) {
	writer, db := setupService(t, testSecret)
	mustPut(t, writer, domain.KeyWebhookEnabled, "true", false)
	mustPut(t, writer, domain.KeyWebhookSecretKey, "whsec_live", true)

	reader := newServiceOn(t, db, "another-secret")
	if got := reader.GetWebhookSettings(context.Background()); got.Enabled {
		t.Fatalf("expected disabled settings when ciphertext cannot be opened")
	}
}

func TestGetWebhookSettingsStoreErrorDisables(t *testing.T) {
	svc, db := setupService(t, testSecret)
	if err := db.Exec("DROP TABLE settings").Error; err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if got := svc.GetWebhookSettings(context.Background()); got.Enabled {
		t.Fatalf("expected disabled settings on store failure")
	}
}

func TestPutRejectsInvalidInput(t *testing.T) {
	svc, _ := setupService(t, testSecret)
	ctx := context.Background()

	if err := svc.Put(ctx, "smtp_host", "x", false); !errors.Is(err, domain.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if err := svc.Put(ctx, domain.KeyWebhookRetryCount, "three", false); !errors.Is(err, domain.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}

	noKey, _ := setupService(t, "")
	if err := noKey.Put(ctx, domain.KeyWebhookSecretKey, "whsec", true); !errors.Is(err, domain.ErrEncryptionKeyMissing) {
		t.Fatalf("expected ErrEncryptionKeyMissing, got %v", err)
	}
}

func TestParseDelay(t *testing.T) {
	cases := map[string]time.Duration{
		"":      0,
		"5":     5 * time.Second,
		"250ms": 250 * time.Millisecond,
		"1m":    time.Minute,
	}
	for in, want := range cases {
		got, err := parseDelay(in)
		if err != nil {
			t.Fatalf("parseDelay(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseDelay(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseDelay("soon"); err == nil {
		t.Fatalf("expected error for non-duration")
	}
}

func setupService(t *testing.T, secret string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Exec(`CREATE TABLE settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create settings: %v", err)
	}

	return newServiceOn(t, db, secret), db
}

func newServiceOn(t *testing.T, db *gorm.DB, secret string) *Service {
	t.Helper()

	svc, err := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Repo:     repository.Provide(),
		Cfg:      config.Config{SettingsEncryptionSecret: secret},
		Defaults: config.NewStaticWebhookDefaultsHolder(config.DefaultWebhookDefaults()),
		Clock:    clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc.(*Service)
}

func mustPut(t *testing.T, svc *Service, key, value string, encrypt bool) {
	t.Helper()
	if err := svc.Put(context.Background(), key, value, encrypt); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func insertRaw(t *testing.T, db *gorm.DB, key, value string, encrypted bool) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO settings (key, value, encrypted, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, encrypted = excluded.encrypted`,
		key, value, encrypted, time.Now().UTC(),
	).Error
	if err != nil {
		t.Fatalf("insert %s: %v", key, err)
	}
}
