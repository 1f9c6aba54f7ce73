// Coin escrow service: brokers charity coin purchases between buyers and agents.
package main

import (
	"context"
	"os"

	"github.com/charitycoin/coinescrow/internal/config"
	"github.com/charitycoin/coinescrow/internal/logging"
	"github.com/charitycoin/coinescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting coinescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Switch to the configured level and format now that we have them.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"persistent", cfg.DatabaseURL != "",
		"escrow_window", cfg.EscrowWindow.String(),
		"sweep_interval", cfg.SweepInterval.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
