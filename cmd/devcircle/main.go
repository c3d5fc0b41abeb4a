package main

import (
	"context"
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/devcircle/internal/client"
	"github.com/MarcoPoloResearchLab/devcircle/internal/config"
	"github.com/MarcoPoloResearchLab/devcircle/internal/database"
	"github.com/MarcoPoloResearchLab/devcircle/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "devcircle",
		Short:        "Offline-capable DevCircle client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newChatCommand(),
		newJournalCommand(),
		newTutorialCommand(),
		newReportCommand(),
		newOutboxCommand(),
		newTokenCommand(),
		newConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "DevCircle server URL")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Local cache database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("devcircle")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// clientRuntime is what every session-backed command needs.
type clientRuntime struct {
	config  config.ClientConfig
	logger  *zap.Logger
	session *client.Session
	close   func()
}

func openRuntime(ctx context.Context) (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenClientSQLite(clientConfig.CachePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	session, err := client.Open(ctx, client.Config{
		ServerURL:            clientConfig.ServerURL,
		Token:                clientConfig.Token,
		Database:             db,
		MaxReconnectAttempts: clientConfig.MaxReconnectAttempts,
		TypingIdle:           clientConfig.TypingIdle,
		Logger:               logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &clientRuntime{
		config:  clientConfig,
		logger:  logger,
		session: session,
		close: func() {
			_ = session.Close()
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}
