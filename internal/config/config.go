// Package config loads the process configuration from the environment and
// the moderation policy from a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// Defaults of the tunables, also used when the policy file omits them.
const (
	DefaultPollInterval     = 5 * time.Minute
	DefaultRoleSyncInterval = 30 * time.Minute
	DefaultBackoffCeiling   = time.Hour
	DefaultPageSize         = 100
	DefaultMaxPages         = 10
	DefaultCallTimeout      = 15 * time.Second
	DefaultSyncConcurrency  = 4
	DefaultWarningLimit     = 3
	DefaultRetryAttempts    = 5
	DefaultRequestInterval  = 1500 * time.Millisecond
)

// Configuration is the process environment.
type Configuration struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	InstanceHost  string `env:"INSTANCE_HOST"`
	InstanceToken string `env:"INSTANCE_TOKEN"`

	DiscordToken   string `env:"DISCORD_TOKEN"`
	DiscordGuildID string `env:"DISCORD_GUILD_ID"`

	TelegramBotToken    string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAlertChatID int64  `env:"TELEGRAM_ALERT_CHAT_ID"`
	TelegramLanguage    string `env:"TELEGRAM_LANGUAGE" envDefault:"en"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":8080"`
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`

	PolicyFile string `env:"POLICY_FILE" envDefault:"policy.yaml"`

	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`
	RoleSyncInterval time.Duration `env:"ROLE_SYNC_INTERVAL" envDefault:"30m"`
	BackoffCeiling   time.Duration `env:"BACKOFF_CEILING" envDefault:"1h"`
	PageSize         int           `env:"PAGE_SIZE" envDefault:"100"`
	MaxPages         int           `env:"MAX_PAGES" envDefault:"10"`
	CallTimeout      time.Duration `env:"CALL_TIMEOUT" envDefault:"15s"`
	SyncConcurrency  int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	RequestInterval  time.Duration `env:"REQUEST_INTERVAL" envDefault:"1500ms"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads files into the environment (a missing file is not an error)
// and parses the Configuration.
func Load(files ...string) (*Configuration, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// Values already in the environment win over the file.
		_ = godotenv.Load(f)
	}
	cfg := &Configuration{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// ChatEnabled reports whether a guild is configured.
func (c *Configuration) ChatEnabled() bool {
	return c.DiscordToken != "" && c.DiscordGuildID != ""
}

// AlertsEnabled reports whether the Telegram operator bot is configured.
func (c *Configuration) AlertsEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramAlertChatID != 0
}
