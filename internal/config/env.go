package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Secrets can be kept out of the config file and supplied through the
// environment (or a .env file next to the binary).
const (
	EnvTelegramToken = "BROADCASTBOT_TELEGRAM_TOKEN"
	EnvWebhookURL    = "BROADCASTBOT_WEBHOOK_URL"
	EnvRedisPassword = "BROADCASTBOT_REDIS_PASSWORD"
	EnvOpsToken      = "BROADCASTBOT_OPS_TOKEN"
)

// LoadDotEnv loads the given env files. Missing files are ignored and
// variables already set in the process win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// applyEnv overlays non-empty environment values on cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Delivery.Webhook.URL, EnvWebhookURL)
	set(&cfg.Session.Redis.Password, EnvRedisPassword)
	set(&cfg.Ops.Token, EnvOpsToken)
}
