package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	EnvTelegramToken  = "FXENGINE_TELEGRAM_TOKEN"
	EnvTelegramChatID = "FXENGINE_TELEGRAM_CHAT_ID"
	EnvBridgeToken    = "FXENGINE_BRIDGE_TOKEN"
)

// LoadEnv reads a dotenv file into the process environment. A missing file
// is not an error; variables already set win over the file.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides secrets with environment variables when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvTelegramToken); v != "" {
		c.Notify.Telegram.Token = v
	}
	if v := os.Getenv(EnvTelegramChatID); v != "" {
		c.Notify.Telegram.ChatID = v
	}
	if v := os.Getenv(EnvBridgeToken); v != "" {
		c.Broker.Token = v
	}
}
