package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/broker"
	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"github.com/MarcoPoloResearchLab/devcircle/internal/config"
	"github.com/MarcoPoloResearchLab/devcircle/internal/database"
	"github.com/MarcoPoloResearchLab/devcircle/internal/logging"
	"github.com/MarcoPoloResearchLab/devcircle/internal/presence"
	"github.com/MarcoPoloResearchLab/devcircle/internal/server"
	"github.com/MarcoPoloResearchLab/devcircle/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const presenceKey = "devcircle:presence"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devcircle-api",
		Short: "DevCircle API server and real-time delivery broker",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Allowed CORS and websocket origins")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared presence (empty keeps presence in memory)")
	cmd.PersistentFlags().Float64("events-per-second", defaults.GetFloat64("broker.events_per_second"), "Inbound real-time events allowed per connection per second")
	cmd.PersistentFlags().Int("event-burst", defaults.GetInt("broker.event_burst"), "Inbound real-time event burst per connection")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "broker.events_per_second", "events-per-second")
	bindFlag(cmd, "broker.event_burst", "event-burst")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: chat.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	presenceStore, closePresence, err := openPresence(ctx, appConfig.RedisAddress, logger)
	if err != nil {
		return err
	}
	defer closePresence()

	deliveryBroker, err := broker.New(broker.Config{
		Chat:            chatService,
		Authors:         userService,
		Presence:        presenceStore,
		Logger:          logger,
		EventsPerSecond: appConfig.EventsPerSecond,
		EventBurst:      appConfig.EventBurst,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Chat:           chatService,
		Users:          userService,
		Broker:         deliveryBroker,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		if err := deliveryBroker.Run(brokerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("delivery broker stopped", zap.Error(err))
		}
	}()
	defer func() {
		stopBroker()
		<-brokerDone
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		// Stopping the broker first releases hijacked websocket handlers.
		stopBroker()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openPresence returns a Redis-backed store when an address is configured and
// an in-memory one otherwise.
func openPresence(ctx context.Context, address string, logger *zap.Logger) (presence.Store, func(), error) {
	if address == "" {
		return presence.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: address})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	store := presence.NewRedisStore(client, presenceKey)
	if err := store.Reset(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("presence backed by redis", zap.String("address", address))
	return store, func() { _ = client.Close() }, nil
}
