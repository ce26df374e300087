package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/native/goble"
	"github.com/srg/quickble/pkg/config"
	"github.com/srg/quickble/pkg/quickble"
)

// stackFactory creates the native stacks of every command. Tests replace it.
var stackFactory = func(cfg *config.Config, logger *logrus.Logger) native.Factory {
	return goble.NewFactory(logger, goble.Options{ConnectTimeout: cfg.ConnectTimeout})
}

// loadSettings reads --config and applies --log-level on top of it.
func loadSettings(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = level
		default:
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return cfg, logger, nil
}

func newBridge(cfg *config.Config, logger *logrus.Logger) *quickble.Bridge {
	return quickble.New(quickble.Options{
		Factory: stackFactory(cfg, logger),
		Logger:  logger,
		Server:  cfg.ServerOptions(),
		Client:  cfg.ClientOptions(),
	})
}
