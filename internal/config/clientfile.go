package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ErrConfigExists is returned when WriteClientFile would overwrite a file.
var ErrConfigExists = errors.New("config: file already exists")

type clientFile struct {
	Server   clientServerSection   `toml:"server"`
	Auth     clientAuthSection     `toml:"auth"`
	Cache    clientCacheSection    `toml:"cache"`
	Log      clientLogSection      `toml:"log"`
	Realtime clientRealtimeSection `toml:"realtime"`
	Typing   clientTypingSection   `toml:"typing"`
}

type clientServerSection struct {
	URL string `toml:"url"`
}

type clientAuthSection struct {
	Token string `toml:"token"`
}

type clientCacheSection struct {
	Path string `toml:"path"`
}

type clientLogSection struct {
	Level string `toml:"level"`
}

type clientRealtimeSection struct {
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
}

type clientTypingSection struct {
	IdleMillis int64 `toml:"idle_ms"`
}

// EncodeClient renders cfg with the same keys viper reads.
func EncodeClient(cfg ClientConfig) ([]byte, error) {
	file := clientFile{
		Server:   clientServerSection{URL: cfg.ServerURL},
		Auth:     clientAuthSection{Token: cfg.Token},
		Cache:    clientCacheSection{Path: cfg.CachePath},
		Log:      clientLogSection{Level: cfg.LogLevel},
		Realtime: clientRealtimeSection{MaxReconnectAttempts: cfg.MaxReconnectAttempts},
		Typing:   clientTypingSection{IdleMillis: cfg.TypingIdle.Milliseconds()},
	}
	return toml.Marshal(file)
}

// WriteClientFile writes cfg as TOML to path unless the file exists and
// overwrite is false.
func WriteClientFile(path string, cfg ClientConfig, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	encoded, err := EncodeClient(cfg)
	if err != nil {
		return fmt.Errorf("config: encode client file: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("config: write client file: %w", err)
	}
	return nil
}
