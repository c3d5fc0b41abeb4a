package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "DEVCIRCLE"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "devcircle.db"
	defaultLogLevel            = "info"
	defaultTokenIssuer         = "devcircle-auth"
	defaultTokenAudience       = "devcircle-api"
	defaultTokenTTLMinutes     = 60
	defaultEventsPerSecond     = 20
	defaultEventBurst          = 40
	defaultServerURL           = "http://127.0.0.1:8080"
	defaultCachePath           = "devcircle-cache.db"
	defaultMaxReconnectAttempt = 10
	defaultTypingIdleMillis    = 3000
)

// AppConfig captures runtime configuration for the API server and delivery broker.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	RedisAddress    string
	AllowedOrigins  []string
	EventsPerSecond float64
	EventBurst      int
}

// ClientConfig captures runtime configuration for the offline-capable client.
type ClientConfig struct {
	ServerURL            string
	Token                string
	CachePath            string
	LogLevel             string
	MaxReconnectAttempts int
	TypingIdle           time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("broker.events_per_second", defaultEventsPerSecond)
	configViper.SetDefault("broker.event_burst", defaultEventBurst)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("realtime.max_reconnect_attempts", defaultMaxReconnectAttempt)
	configViper.SetDefault("typing.idle_ms", defaultTypingIdleMillis)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:    strings.TrimSpace(configViper.GetString("redis.address")),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		EventsPerSecond: configViper.GetFloat64("broker.events_per_second"),
		EventBurst:      configViper.GetInt("broker.event_burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.EventsPerSecond <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("broker.events_per_second and broker.event_burst must be positive")
	}
	return nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:            strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		Token:                strings.TrimSpace(configViper.GetString("auth.token")),
		CachePath:            configViper.GetString("cache.path"),
		LogLevel:             configViper.GetString("log.level"),
		MaxReconnectAttempts: configViper.GetInt("realtime.max_reconnect_attempts"),
		TypingIdle:           time.Duration(configViper.GetInt("typing.idle_ms")) * time.Millisecond,
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute url")
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.TypingIdle <= 0 {
		return fmt.Errorf("typing.idle_ms must be positive")
	}
	return nil
}
