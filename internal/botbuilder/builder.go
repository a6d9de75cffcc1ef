// Package botbuilder wires configuration into a ready to run dispatcher.
package botbuilder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/archive"
	"github.com/park285/cheese-lichess-bot/internal/bot"
	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/game"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/monitor"
	"github.com/park285/cheese-lichess-bot/internal/movesource"
	"github.com/park285/cheese-lichess-bot/internal/msgcat"
)

type Deps struct {
	Config     *config.AppConfig
	Client     *lichess.Client
	Streamer   *lichess.Streamer
	Launcher   *uci.Launcher
	Console    *movesource.Console
	Notifier   *msgcat.Notifier
	Hub        *monitor.Hub
	Recorder   archive.Recorder
	Dispatcher *bot.Dispatcher

	closers []func() error
}

// Options carries the loggers; zero values mean no logging.
type Options struct {
	Logger       *zap.Logger
	EngineLogger *zap.Logger
}

func New(ctx context.Context, cfg *config.AppConfig, opts Options) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engineLogger := opts.EngineLogger
	if engineLogger == nil {
		engineLogger = logger
	}

	d := &Deps{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	d.Notifier = msgcat.NewNotifier(cat, os.Stdout, logger.Named("notice"))

	d.Client = lichess.NewClient(cfg.BaseURL, cfg.BotToken,
		lichess.WithTimeout(cfg.HTTPTimeout),
		lichess.WithRetry(cfg.RetryAttempts),
		lichess.WithLogger(logger.Named("lichess")),
	)
	d.Streamer = lichess.NewStreamer(cfg.BaseURL, cfg.BotToken,
		lichess.WithDialTimeout(cfg.HTTPTimeout),
		lichess.WithStreamRetry(cfg.RetryAttempts, nil),
		lichess.WithIdleTimeout(cfg.StreamIdle),
		lichess.WithStreamLogger(logger.Named("stream")),
	)

	if cfg.BotID == "" {
		acc, err := d.Client.Account(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve bot id: %w", err)
		}
		cfg.BotID = strings.ToLower(acc.ID)
		logger.Info("bot_id_resolved", zap.String("bot_id", cfg.BotID), zap.String("title", acc.Title))
	}

	sources, sourceName, err := d.buildSources(cfg, logger, engineLogger)
	if err != nil {
		return nil, err
	}

	recorder, err := d.buildRecorder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.Recorder = recorder

	if strings.TrimSpace(cfg.MonitorAddr) != "" {
		d.Hub = monitor.NewHub(logger.Named("monitor"))
	}

	gameDeps := game.Deps{
		BotID:      cfg.BotID,
		Mover:      d.Client,
		Streams:    d.Streamer,
		Recorder:   recorder,
		Notifier:   d.Notifier,
		Logger:     logger.Named("game"),
		SourceName: sourceName,
	}
	dispOpts := []bot.Option{bot.WithNotifier(d.Notifier), bot.WithLogger(logger.Named("dispatcher"))}
	if d.Hub != nil {
		gameDeps.Publisher = d.Hub
		dispOpts = append(dispOpts, bot.WithPublisher(d.Hub))
	}
	newSession := game.NewFactory(gameDeps, sources)

	d.Dispatcher = bot.New(bot.Config{
		BotID:           cfg.BotID,
		MaxGames:        cfg.MaxGames,
		AllowedVariants: cfg.AllowedVariants,
	}, d.Streamer, d.Client, func(ctx context.Context, id string) (bot.Session, error) {
		s, err := newSession(ctx, id)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, dispOpts...)

	ok = true
	return d, nil
}

func (d *Deps) buildSources(cfg *config.AppConfig, logger, engineLogger *zap.Logger) (movesource.Factory, string, error) {
	switch cfg.MoveSource {
	case config.MoveSourceHuman:
		console, err := movesource.NewTerminal(".lichess_bot_history")
		if err != nil {
			return nil, "", err
		}
		d.Console = console
		d.closers = append(d.closers, console.Close)
		return movesource.HumanFactory(console), "Human", nil
	default:
		launcher, err := uci.NewLauncher(uci.LauncherConfig{
			BinaryPath: cfg.StockfishPath,
			Options: uci.Options{
				Threads:    cfg.EngineThreads,
				HashMB:     cfg.EngineHashMB,
				SkillLevel: cfg.EngineSkillLevel,
			},
			Logger: engineLogger,
		})
		if err != nil {
			return nil, "", fmt.Errorf("init engine: %w", err)
		}
		d.Launcher = launcher
		d.closers = append(d.closers, launcher.Close)
		engineCfg := movesource.EngineConfig{Depth: cfg.EngineDepth, MoveTimeMillis: cfg.EngineMoveTimeMS}
		return movesource.EngineFactory(launcher, engineCfg, logger.Named("engine")), "Stockfish", nil
	}
}

func (d *Deps) buildRecorder(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (archive.Recorder, error) {
	var recorders archive.Multi
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := archive.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, rdb.Close)
		recorders = append(recorders, archive.NewRedisStore(rdb))
		logger.Info("archive_redis_enabled")
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		repo, err := archive.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres archive: %w", err)
		}
		d.closers = append(d.closers, repo.Close)
		recorders = append(recorders, repo)
		logger.Info("archive_postgres_enabled")
	}
	if len(recorders) == 0 {
		return nil, nil
	}
	return recorders, nil
}

// Close shuts the dispatcher down first so no session outlives its engine.
func (d *Deps) Close() error {
	var errs []error
	if d.Dispatcher != nil {
		if err := d.Dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
