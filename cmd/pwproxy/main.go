package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pwproxy/pwproxy/pkg/config"
	"github.com/pwproxy/pwproxy/pkg/log"
	"github.com/pwproxy/pwproxy/pkg/powerwall"
	"github.com/pwproxy/pwproxy/pkg/server"
	"github.com/pwproxy/pwproxy/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// configuration comes from PW_* environment variables, flags only
	// override the listen address
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sessionName := ""
	if !cfg.CloudMode() {
		sessionName = cfg.CacheFile
	}
	store := storage.NewFileStore(cfg.AuthPath, sessionName)
	pw := powerwall.New(cfg, store)

	// init server
	srv := server.Configured(cfg, pw)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	// the context logger has its own fallback, keep its level in sync
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// the proxy cannot serve anything without an upstream session, so a
	// failure here is fatal rather than degraded
	if err := pw.Connect(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "unable to connect, fix config and restart", "error", err)
		os.Exit(1)
	}
	if name, ok := pw.SiteName(ctx); ok {
		log.Ctx(ctx).InfoContext(ctx, "connected", slog.String("siteName", name),
			slog.Bool("cloudMode", pw.CloudMode()))
	}

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
