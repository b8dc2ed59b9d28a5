// Command server runs the chatshield message gate.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/chatshield/internal/config"
	"github.com/mbd888/chatshield/internal/logging"
	"github.com/mbd888/chatshield/internal/server"
)

// Set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("chatshield exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	slog.SetDefault(logger)
	logger.Info("starting chatshield",
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"patterns_file", cfg.PatternsFile,
		"patterns_watch", cfg.PatternsWatch,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	// Returns nil once a SIGINT or SIGTERM drain completes.
	return srv.Run(ctx)
}
