package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken  string           `yaml:"discord_token" env:"DISCORD_TOKEN"`
	LogLevel      string           `yaml:"log_level" env:"LOG_LEVEL"`
	RetentionDays int              `yaml:"retention_days" env:"RETENTION_DAYS"`
	Database      DatabaseConfig   `yaml:"database"`
	Health        HealthConfig     `yaml:"health"`
	Invites       InvitesConfig    `yaml:"invites"`
	Moderation    ModerationConfig `yaml:"moderation"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN    string `yaml:"dsn" env:"DATABASE_DSN"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled" env:"HEALTH_ENABLED"`
	Addr    string `yaml:"addr" env:"HEALTH_ADDR"`
}

type InvitesConfig struct {
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"INVITES_FETCH_TIMEOUT"`
	RecentWindow   time.Duration `yaml:"recent_window" env:"INVITES_RECENT_WINDOW"`
	PrimeWait      time.Duration `yaml:"prime_wait" env:"INVITES_PRIME_WAIT"`
	RefreshWorkers int           `yaml:"refresh_workers" env:"INVITES_REFRESH_WORKERS"`
	LeaderboardMax int           `yaml:"leaderboard_max" env:"INVITES_LEADERBOARD_MAX"`
	IgnoreBots     bool          `yaml:"ignore_bots" env:"INVITES_IGNORE_BOTS"`
}

type ModerationConfig struct {
	GuildID          string `yaml:"guild_id" env:"MODERATION_SERVER_ID"`
	LogsChannelID    string `yaml:"logs_channel_id" env:"MOD_LOGS_CHANNEL_ID"`
	NewAccountDays   int    `yaml:"new_account_days" env:"NEW_ACCOUNT_DAYS"`
	BurstWindowSecs  int    `yaml:"burst_window_seconds" env:"BURST_WINDOW_SECONDS"`
	EmbedColorJoin   int    `yaml:"embed_color_join" env:"EMBED_COLOR_JOIN"`
	EmbedColorBonus  int    `yaml:"embed_color_bonus" env:"EMBED_COLOR_BONUS"`
	EmbedColorRevoke int    `yaml:"embed_color_revoke" env:"EMBED_COLOR_REVOKE"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		RetentionDays: 30,
		Database:      DatabaseConfig{Driver: "sqlite", DSN: "/data/inviteward.db"},
		Health:        HealthConfig{Enabled: false, Addr: ":8080"},
		Invites: InvitesConfig{
			FetchTimeout:   10 * time.Second,
			RecentWindow:   5 * time.Minute,
			PrimeWait:      30 * time.Second,
			RefreshWorkers: 4,
			LeaderboardMax: 25,
			IgnoreBots:     true,
		},
		Moderation: ModerationConfig{
			NewAccountDays:   7,
			BurstWindowSecs:  60,
			EmbedColorJoin:   0x22C55E,
			EmbedColorBonus:  0xEAB308,
			EmbedColorRevoke: 0xEF4444,
		},
	}
}

func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path if it exists, applies environment overrides and
// validates the result.
func LoadFile(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is LoadFile without validation, for offline commands that never
// connect to Discord.
func Read(path string) (Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Database.Driver = normalizeDriver(cfg.Database.Driver)
	return cfg, nil
}

// Path returns the config file location from CONFIG_PATH.
func Path() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "config.yaml"
}

func (c Config) Validate() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Invites.FetchTimeout <= 0 {
		return errors.New("invites.fetch_timeout must be positive")
	}
	if c.Invites.RecentWindow <= 0 {
		return errors.New("invites.recent_window must be positive")
	}
	if c.Invites.PrimeWait < 0 {
		return errors.New("invites.prime_wait must not be negative")
	}
	if c.Invites.LeaderboardMax <= 0 {
		return errors.New("invites.leaderboard_max must be positive")
	}
	return nil
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func normalizeDriver(value string) string {
	switch strings.ToLower(value) {
	case "pgx", "postgres", "postgresql":
		return "pgx"
	default:
		return "sqlite"
	}
}
