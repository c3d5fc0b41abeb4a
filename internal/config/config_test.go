package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("expected empty redis address, got %q", cfg.RedisAddress)
	}
	if cfg.EventBurst != defaultEventBurst {
		t.Fatalf("unexpected event burst %d", cfg.EventBurst)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadClientValidatesServerURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("server.url", "not a url")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected error for relative server url")
	}

	configViper.Set("server.url", "http://localhost:9000/")
	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected client config error: %v", err)
	}
	if cfg.ServerURL != "http://localhost:9000" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", cfg.ServerURL)
	}
	if cfg.TypingIdle != 3*time.Second {
		t.Fatalf("unexpected typing idle window %s", cfg.TypingIdle)
	}
}

func TestClientFileRoundTripsThroughViper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devcircle.toml")
	written := ClientConfig{
		ServerURL:            "https://chat.example.com",
		Token:                "token-123",
		CachePath:            "/var/lib/devcircle/cache.db",
		LogLevel:             "debug",
		MaxReconnectAttempts: 4,
		TypingIdle:           1500 * time.Millisecond,
	}
	if err := WriteClientFile(path, written, false); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := WriteClientFile(path, written, false); !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected existing file error, got %v", err)
	}

	configViper := NewViper()
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	loaded, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded != written {
		t.Fatalf("expected %+v, got %+v", written, loaded)
	}
}
