// Command webhookctl manages webhook settings, signs test payloads and runs migrations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/smallbiznis/mawared/internal/config"
	"github.com/smallbiznis/mawared/internal/migration"
	"github.com/smallbiznis/mawared/internal/payment/signature"
	"github.com/smallbiznis/mawared/internal/settings"
	settingsdomain "github.com/smallbiznis/mawared/internal/settings/domain"
	"github.com/smallbiznis/mawared/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const usage = `usage: webhookctl <command> [flags]

commands:
  set      write one webhook setting (-key, -value, -encrypt)
  show     print the effective webhook settings without the secret
  sign     sign a payload read from -file or stdin (-secret, -version)
  migrate  apply, roll back or inspect the schema (-action up|down|version, -steps)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "set":
		err = runSet(os.Args[2:])
	case "show":
		err = runShow(os.Args[2:])
	case "sign":
		err = runSign(os.Args[2:], os.Stdin, os.Stdout)
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "webhookctl:", err)
		os.Exit(1)
	}
}

func runSet(args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	key := fs.String("key", "", "setting key, e.g. webhook_secret_key")
	value := fs.String("value", "", "setting value")
	encrypt := fs.Bool("encrypt", false, "store the value encrypted (always on for the secret key)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*key) == "" {
		return errors.New("-key is required")
	}
	if *key == settingsdomain.KeyWebhookSecretKey {
		*encrypt = true
	}

	return withStore(func(ctx context.Context, deps storeDeps) error {
		if err := deps.Settings.Put(ctx, *key, *value, *encrypt); err != nil {
			return err
		}
		fmt.Printf("%s updated (encrypted=%t)\n", *key, *encrypt)
		return nil
	})
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(func(ctx context.Context, deps storeDeps) error {
		current := deps.Settings.GetWebhookSettings(ctx)
		view := struct {
			Enabled        bool     `json:"enabled"`
			Endpoint       string   `json:"endpoint"`
			SecretEnabled  bool     `json:"secretEnabled"`
			SecretSet      bool     `json:"secretSet"`
			Events         []string `json:"events"`
			SigningVersion string   `json:"signingVersion"`
			RetryCount     int      `json:"retryCount"`
			RetryDelay     string   `json:"retryDelay"`
		}{
			Enabled:        current.Enabled,
			Endpoint:       current.Endpoint,
			SecretEnabled:  current.SecretEnabled,
			SecretSet:      current.SecretKey != "",
			Events:         current.Events,
			SigningVersion: current.SigningVersion,
			RetryCount:     current.RetryCount,
			RetryDelay:     current.RetryDelay.String(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	})
}

func runSign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("MAWARED_WEBHOOK_SECRET"), "webhook secret")
	version := fs.String("version", "v2", "signing version (v1 or v2)")
	file := fs.String("file", "", "payload file; stdin when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("-secret is required")
	}
	v, ok := signature.ParseVersion(*version)
	if !ok {
		return fmt.Errorf("unsupported signing version %q", *version)
	}

	var (
		payload []byte
		err     error
	)
	if *file != "" {
		payload, err = os.ReadFile(*file)
	} else {
		payload, err = io.ReadAll(stdin)
	}
	if err != nil {
		return err
	}

	sig, err := signature.Sign(payload, *secret, v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, sig)
	return err
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	action := fs.String("action", "up", "up, down or version")
	steps := fs.Int("steps", 1, "migrations to roll back with -action down")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(func(ctx context.Context, deps storeDeps) error {
		sqlDB, err := deps.DB.DB()
		if err != nil {
			return err
		}
		switch *action {
		case "up":
			return migration.RunMigrations(sqlDB)
		case "down":
			return migration.Rollback(sqlDB, *steps)
		case "version":
			version, dirty, err := migration.Version(sqlDB)
			if err != nil {
				return err
			}
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
			return nil
		default:
			return fmt.Errorf("unknown migrate action %q", *action)
		}
	})
}

type storeDeps struct {
	DB       *gorm.DB
	Settings settingsdomain.Service
}

// withStore starts the minimal graph needed to reach the database and runs fn.
func withStore(fn func(ctx context.Context, deps storeDeps) error) error {
	var deps storeDeps
	app := fx.New(
		fx.NopLogger,
		config.Module,
		fx.Provide(func() (*zap.Logger, error) {
			return zap.NewProduction()
		}),
		db.Module,
		settings.Module,
		fx.Populate(&deps.DB, &deps.Settings),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, deps)
	if err := app.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
