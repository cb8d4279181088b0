package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/server"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "~/.huddle/config.toml", "Path to the TOML config file (created with defaults if missing)")
	debug := flag.Bool("debug", false, "Force debug logging")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := server.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	serverConfig := cfg.ToServerConfig()
	srv := server.NewServer(store, serverConfig, logger, server.NewMetrics())
	if err := srv.Start(); err != nil {
		store.Close()
		return fmt.Errorf("start server: %w", err)
	}

	logger.Info("huddle started",
		zap.Int("tcp_port", serverConfig.TCPPort),
		zap.Int("http_port", serverConfig.HTTPPort),
		zap.Int("metrics_port", serverConfig.MetricsPort),
		zap.String("env", cfg.Logging.Env))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.Stringer("signal", sig))

	return srv.Stop()
}

// openStore picks PostgreSQL when a URL is configured and the SQLite file
// otherwise.
func openStore(cfg server.TOMLConfig, logger *zap.Logger) (database.Store, error) {
	if cfg.Server.DatabaseURL != "" {
		store, err := database.OpenPostgres(context.Background(), cfg.Server.DatabaseURL, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return store, nil
	}

	path, err := cfg.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	store, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	logger.Info("using sqlite", zap.String("path", path))
	return store, nil
}
