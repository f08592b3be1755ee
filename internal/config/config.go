// Package config loads Shrike configuration from environment variables
// and an optional .env file. Environment variables take precedence over
// .env file values, which take precedence over tier defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/shrike/internal/domain"
)

// Load builds the effective configuration. The tier (SHRIKE_TIER)
// selects the base defaults; individual SHRIKE_* variables override
// fields on top of it.
func Load() (*domain.Config, error) {
	v := viper.New()
	v.SetConfigFile(".env") // Optional; silently ignored if file doesn't exist
	_ = v.ReadInConfig()    // Ignore error - .env is optional
	v.AutomaticEnv()

	tier := strings.ToLower(v.GetString("SHRIKE_TIER"))

	var cfg *domain.Config
	switch tier {
	case "", string(domain.TierCommunity):
		cfg = domain.DefaultConfig()
	case string(domain.TierPro):
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	applyOverrides(v, cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *domain.Config) {
	// Server
	if s := v.GetString("SHRIKE_HOST"); s != "" {
		cfg.Server.Host = s
	}
	if n := v.GetInt("SHRIKE_PORT"); n != 0 {
		cfg.Server.Port = n
	}
	if n := v.GetInt("SHRIKE_READ_TIMEOUT"); n != 0 {
		cfg.Server.ReadTimeout = n
	}
	if n := v.GetInt("SHRIKE_WRITE_TIMEOUT"); n != 0 {
		cfg.Server.WriteTimeout = n
	}

	// Rules
	if s := v.GetString("SHRIKE_RULES_PATH"); s != "" {
		cfg.Rules.Path = s
	}
	if v.IsSet("SHRIKE_RULES_WATCH") {
		cfg.Rules.Watch = v.GetBool("SHRIKE_RULES_WATCH")
	}

	// Repository
	if s := v.GetString("SHRIKE_DB_DRIVER"); s != "" {
		cfg.Repository.Driver = s
	}
	if s := v.GetString("SHRIKE_SQLITE_PATH"); s != "" {
		cfg.Repository.SQLitePath = s
	}
	if s := v.GetString("SHRIKE_POSTGRES_HOST"); s != "" {
		cfg.Repository.PostgresHost = s
	}
	if n := v.GetInt("SHRIKE_POSTGRES_PORT"); n != 0 {
		cfg.Repository.PostgresPort = n
	}
	if s := v.GetString("SHRIKE_POSTGRES_USER"); s != "" {
		cfg.Repository.PostgresUser = s
	}
	if s := v.GetString("SHRIKE_POSTGRES_PASSWORD"); s != "" {
		cfg.Repository.PostgresPassword = s
	}
	if s := v.GetString("SHRIKE_POSTGRES_DB"); s != "" {
		cfg.Repository.PostgresDB = s
	}
	if s := v.GetString("SHRIKE_POSTGRES_SSLMODE"); s != "" {
		cfg.Repository.PostgresSSLMode = s
	}

	// Cache
	if s := v.GetString("SHRIKE_CACHE_TYPE"); s != "" {
		cfg.Cache.Type = s
	}
	if s := v.GetString("SHRIKE_REDIS_ADDR"); s != "" {
		cfg.Cache.RedisAddr = s
	}
	if s := v.GetString("SHRIKE_REDIS_PASSWORD"); s != "" {
		cfg.Cache.RedisPassword = s
	}
	if n := v.GetInt("SHRIKE_CACHE_MAX_SIZE"); n != 0 {
		cfg.Cache.LocalMaxSize = n
	}

	// EventBus
	if s := v.GetString("SHRIKE_BUS_TYPE"); s != "" {
		cfg.EventBus.Type = s
	}
	if s := v.GetString("SHRIKE_NATS_URL"); s != "" {
		cfg.EventBus.NATSUrl = s
	}
	if s := v.GetString("SHRIKE_NATS_TOKEN"); s != "" {
		cfg.EventBus.NATSToken = s
	}

	// Velocity
	if v.IsSet("SHRIKE_VELOCITY_ENABLED") {
		cfg.Velocity.Enabled = v.GetBool("SHRIKE_VELOCITY_ENABLED")
	}
	if s := v.GetString("SHRIKE_VELOCITY_FIELD"); s != "" {
		cfg.Velocity.Field = s
	}
	if n := v.GetInt("SHRIKE_VELOCITY_WINDOW_SECS"); n != 0 {
		cfg.Velocity.WindowSecs = n
	}

	// Logging
	if s := v.GetString("SHRIKE_LOG_LEVEL"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("SHRIKE_LOG_FORMAT"); s != "" {
		cfg.Logging.Format = s
	}
}

func validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}

	return nil
}
