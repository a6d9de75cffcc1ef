package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-lichess-bot/internal/botbuilder"
	appcfg "github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/monitor"
	"github.com/park285/cheese-lichess-bot/internal/obslog"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(obslog.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Console:    cfg.LogToConsole,
		ToFile:     cfg.LogToFile,
		File:       cfg.LogFile,
		EngineFile: cfg.EngineLogFile,
	}); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := botbuilder.New(ctx, cfg, botbuilder.Options{Logger: logger, EngineLogger: obslog.Engine()})
	if err != nil {
		logger.Error("bot_init_failed", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}

	code := run(ctx, deps, logger)
	if err := deps.Close(); err != nil {
		logger.Warn("shutdown_error", zap.Error(err))
	}
	if code != 0 {
		obslog.Sync()
		os.Exit(code)
	}
}

func run(ctx context.Context, deps *botbuilder.Deps, logger *zap.Logger) int {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Dispatcher.Run(gctx)
	})
	if deps.Hub != nil {
		handler := deps.Hub.Handler(deps.Dispatcher)
		g.Go(func() error {
			return monitor.Serve(gctx, deps.Config.MonitorAddr, handler, logger.Named("monitor"))
		})
	}

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("bot_stopped", zap.Int("open_games", deps.Dispatcher.Count()))
		return 0
	default:
		deps.Notifier.Say("app.connect_failed", nil)
		logger.Error("bot_failed", zap.Error(err))
		return 1
	}
}
