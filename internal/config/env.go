package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied after the file is decoded. Secrets (tokens,
// passwords) in particular are expected to arrive this way rather than living
// in the config file.
type envOverrides struct {
	LogLevel      string `env:"MSGFLEET_LOG_LEVEL"`
	StoragePath   string `env:"MSGFLEET_STORAGE_PATH"`
	APIAddr       string `env:"MSGFLEET_API_ADDR"`
	RedisAddr     string `env:"MSGFLEET_REDIS_ADDR"`
	RedisPassword string `env:"MSGFLEET_REDIS_PASSWORD"`
	TelegramToken string `env:"MSGFLEET_TELEGRAM_TOKEN"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(o.StoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(o.APIAddr); v != "" {
		cfg.API.Addr = v
	}
	if v := strings.TrimSpace(o.RedisAddr); v != "" {
		cfg.Command.RedisAddr = v
	}
	if o.RedisPassword != "" {
		cfg.Command.RedisPassword = o.RedisPassword
	}
	if o.TelegramToken != "" {
		cfg.Platforms.Telegram.Token = o.TelegramToken
	}
	return nil
}
