// Command webboot runs one bootstrap load and reports the outcome.
//
// Usage:
//
//	webboot -config webboot.yaml                 # load and print a summary
//	webboot -config webboot.yaml -render out.html # also write the boot document
//	webboot -config webboot.yaml -route chat/abc  # override the page route
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hazyhaar/webboot/loader"
)

func main() {
	configPath := flag.String("config", "webboot.yaml", "path to webboot.yaml config file")
	route := flag.String("route", "", "page route (overrides config)")
	lang := flag.String("lang", "", "language (overrides config)")
	mode := flag.String("mode", "", "concurrency mode: normal, low, debug (overrides config)")
	renderPath := flag.String("render", "", "write the boot document to this file")
	confirm := flag.Bool("confirm", false, "reload after a fatal error without asking")
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

	cfg, err := loader.LoadConfigFile(*configPath)
	if err != nil {
		logger.Error("webboot: config", "error", err)
		os.Exit(1)
	}
	if *route != "" {
		cfg.Route = *route
	}
	if *lang != "" {
		cfg.Language = *lang
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	if err := run(ctx, logger, *cfg, *renderPath, *confirm); err != nil {
		logger.Error("webboot: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg loader.Config, renderPath string, autoConfirm bool) error {
	l, err := loader.New(cfg,
		loader.WithLogger(logger),
		loader.WithProgress(func(p int) { fmt.Fprintf(os.Stderr, "\rloading %3d%%", p) }),
		loader.WithConfirm(func(_ context.Context, fe *loader.FatalError) bool {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, fe.Message())
			if autoConfirm {
				return true
			}
			fmt.Fprint(os.Stderr, "Reload? [y/N] ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			return strings.EqualFold(strings.TrimSpace(line), "y")
		}),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer l.Close()

	res, err := l.Run(ctx)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	if renderPath != "" {
		f, err := os.Create(renderPath)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		if err := res.Render(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("render: %w", err)
		}
	}

	summary := map[string]any{
		"load_id":   res.LoadID,
		"boot_path": res.Path.String(),
		"lang":      res.Lang,
		"origin":    res.Origin,
		"flipped":   res.Flipped,
		"reloads":   res.Reloads,
		"script_kb": len(res.Script()) / 1024,
		"templates": len(res.Templates()),
	}
	if res.User != nil {
		summary["user"] = res.User.Handle
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
