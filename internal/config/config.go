package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewWebhookDefaultsHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	LogLevel  string
	LogFormat string

	OTLPEndpoint      string
	OTLPProtocol      string
	OtelEnabled       bool
	OtelSamplingRatio float64

	DBType            string
	DBURL             string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool
	DBSlowQuery       time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SettingsEncryptionSecret derives the key used for encrypted settings values.
	SettingsEncryptionSecret string

	PurchaseDownloadWindow time.Duration
	WebhookLockTTL         time.Duration
	WebhookRateLimitRPS    float64
	WebhookRateLimitBurst  int
	// WebhookRateLimitExempt lists provider source ranges (CIDR or bare IP)
	// that bypass the ingress rate limit.
	WebhookRateLimitExempt []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	return Config{
		AppName:                  getenv("APP_SERVICE", "mawared"),
		AppVersion:               getenv("APP_VERSION", "0.1.0"),
		Environment:              environment,
		HTTPAddr:                 getenv("HTTP_ADDR", ":8080"),
		NodeID:                   getenvInt64("SNOWFLAKE_NODE", 1),
		LogLevel:                 strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(getenv("LOG_FORMAT", "json")),
		OTLPEndpoint:             getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:             strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelEnabled:              getenvBool("OTEL_ENABLED", !IsDevEnvironment(environment)),
		OtelSamplingRatio:        getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		DBType:                   getenv("DATABASE_TYPE", "postgres"),
		DBURL:                    getenv("DATABASE_URL", ""),
		DBHost:                   getenv("DATABASE_HOST", "localhost"),
		DBPort:                   getenv("DATABASE_PORT", "5432"),
		DBName:                   getenv("DATABASE_NAME", "mawared"),
		DBUser:                   getenv("DATABASE_USER", "postgres"),
		DBPassword:               getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:                getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:            int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:            int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime:        int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime:        int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBRunMigrations:          getenvBool("DATABASE_RUN_MIGRATIONS", true),
		DBSlowQuery:              getenvDuration("DB_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
		RedisAddr:                strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:            getenv("REDIS_PASSWORD", ""),
		RedisDB:                  int(getenvInt64("REDIS_DB", 0)),
		SettingsEncryptionSecret: strings.TrimSpace(getenv("SETTINGS_ENCRYPTION_SECRET", "")),
		PurchaseDownloadWindow:   getenvDuration("PURCHASE_DOWNLOAD_WINDOW", 30*24*time.Hour),
		WebhookLockTTL:           getenvDuration("WEBHOOK_LOCK_TTL", 30*time.Second),
		WebhookRateLimitRPS:      getenvFloat("WEBHOOK_RATE_LIMIT_RPS", 20),
		WebhookRateLimitBurst:    int(getenvInt64("WEBHOOK_RATE_LIMIT_BURST", 40)),
		WebhookRateLimitExempt:   getenvList("WEBHOOK_RATE_LIMIT_EXEMPT_CIDRS"),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// IsDevEnvironment reports whether env names a local or test deployment.
func IsDevEnvironment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// getenvList splits a comma-separated value and drops blank entries.
func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
