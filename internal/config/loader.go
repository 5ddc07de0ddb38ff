package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETD_* environment variable overrides, and
// returns the final Config. The caller should invoke Config.Validate after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env if present; missing files are fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from well-known MARKETD_*
// variables when set, so operators can inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Database.DSN, "MARKETD_DATABASE_DSN")
	setStr(&cfg.Database.Host, "MARKETD_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MARKETD_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MARKETD_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "MARKETD_DATABASE_USER")
	setStr(&cfg.Database.Password, "MARKETD_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "MARKETD_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "MARKETD_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MARKETD_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MARKETD_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "MARKETD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETD_REDIS_TLS_ENABLED")

	setBool(&cfg.S3.Enabled, "MARKETD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARKETD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETD_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETD_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "MARKETD_S3_FORCE_PATH_STYLE")

	setInt(&cfg.Engine.FeeBps, "MARKETD_ENGINE_FEE_BPS")
	setInt(&cfg.Engine.MaxRestingOrders, "MARKETD_ENGINE_MAX_RESTING_ORDERS")
	setInt(&cfg.Engine.MatchRetries, "MARKETD_ENGINE_MATCH_RETRIES")
	setInt(&cfg.Engine.OrderRateLimit, "MARKETD_ENGINE_ORDER_RATE_LIMIT")
	setDuration(&cfg.Engine.OrderRateWindow, "MARKETD_ENGINE_ORDER_RATE_WINDOW")

	setFloat64(&cfg.Settlement.TieThreshold, "MARKETD_SETTLEMENT_TIE_THRESHOLD")
	setDuration(&cfg.Settlement.GraceWindow, "MARKETD_SETTLEMENT_GRACE_WINDOW")
	setDuration(&cfg.Settlement.OverdueAfter, "MARKETD_SETTLEMENT_OVERDUE_AFTER")
	setDuration(&cfg.Settlement.ScanInterval, "MARKETD_SETTLEMENT_SCAN_INTERVAL")
	setDuration(&cfg.Settlement.LockTTL, "MARKETD_SETTLEMENT_LOCK_TTL")
	setFloat64(&cfg.Settlement.RoundingTolerance, "MARKETD_SETTLEMENT_ROUNDING_TOLERANCE")

	setBool(&cfg.Server.Enabled, "MARKETD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETD_SERVER_PORT")
	setStr(&cfg.Server.AdminToken, "MARKETD_SERVER_ADMIN_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETD_SERVER_CORS_ORIGINS")

	setStr(&cfg.Notify.TelegramToken, "MARKETD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETD_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "MARKETD_MODE")
	setStr(&cfg.LogLevel, "MARKETD_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
