// Command staticd serves a directory as a static origin together with the
// command API, for developing and testing the loader.
//
// Usage:
//
//	staticd -root ./dist -addr :8089
//	staticd -config staticd.yaml
//	staticd -root ./dist -fail-first 2      # fail the first two requests of every file
//	staticd -root ./dist -session h1        # create a session for user h1 and print its id
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/webboot/staticd"
)

func main() {
	configPath := flag.String("config", "", "path to staticd.yaml config file")
	root := flag.String("root", "", "directory to serve (overrides config)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	failFirst := flag.Int("fail-first", -1, "fail the first N requests of every path")
	session := flag.String("session", "", "create a session for this user handle and print its id")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &staticd.Config{}
	if *configPath != "" {
		var err error
		cfg, err = staticd.LoadConfigFile(*configPath)
		if err != nil {
			logger.Error("staticd: config", "error", err)
			os.Exit(1)
		}
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *failFirst >= 0 {
		cfg.FailFirst = *failFirst
	}

	if err := run(ctx, logger, *cfg, *session); err != nil {
		logger.Error("staticd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg staticd.Config, sessionUser string) error {
	if cfg.DBPath == "" {
		cfg.DBPath = "staticd.db"
	}
	store, err := staticd.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if sessionUser != "" {
		sid, err := store.CreateSession(ctx, map[string]any{"u": sessionUser}, "valid")
		if err != nil {
			return err
		}
		fmt.Println(sid)
	}

	return staticd.New(cfg, store, logger).ListenAndServe(ctx)
}
