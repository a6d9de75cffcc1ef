package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Global loggers. Bot events go to L(), raw engine traffic to Engine().
var (
	globalLogger *zap.Logger = zap.NewNop()
	engineLogger *zap.Logger = zap.NewNop()
)

// L returns the bot logger.
func L() *zap.Logger { return globalLogger }

// Engine returns the engine traffic logger.
func Engine() *zap.Logger { return engineLogger }

// Options controls sinks and format.
type Options struct {
	Level      string
	Format     string // legacy | json | console
	Console    bool
	ToFile     bool
	File       string
	EngineFile string
	Caller     bool
}

// DefaultOptions mirrors the env defaults.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Format:     "legacy",
		Console:    true,
		ToFile:     true,
		File:       filepath.Join("logs", "lichess-bot.log"),
		EngineFile: filepath.Join("logs", "engine.log"),
	}
}

// Init builds both loggers and installs them globally.
func Init(opts Options) error {
	level := parseLevel(opts.Level)
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format != "legacy" && format != "json" && format != "console" {
		format = "legacy"
	}

	var cores []zapcore.Core
	if opts.Console {
		cores = append(cores, zapcore.NewCore(encoderFor(format), zapcore.AddSync(os.Stdout), level))
	}
	if opts.ToFile && strings.TrimSpace(opts.File) != "" {
		core, err := fileCore(opts.File, format, level)
		if err != nil {
			return err
		}
		cores = append(cores, core)
	}
	if len(cores) == 0 {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if format == "legacy" || opts.Caller {
		logger = logger.WithOptions(zap.AddCaller())
	}
	logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))

	// engine traffic stays out of the console; it is only useful in the file
	engine := zap.NewNop()
	if opts.ToFile && strings.TrimSpace(opts.EngineFile) != "" {
		core, err := fileCore(opts.EngineFile, format, zapcore.DebugLevel)
		if err != nil {
			return err
		}
		engine = zap.New(core)
	}

	globalLogger = logger
	engineLogger = engine
	return nil
}

// Set replaces the bot logger. Tests use it with zaptest/observer.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	globalLogger = l
}

// Sync flushes both loggers.
func Sync() {
	_ = globalLogger.Sync()
	_ = engineLogger.Sync()
}

func fileCore(path, format string, level zapcore.LevelEnabler) (zapcore.Core, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.NewCore(encoderFor(format), zapcore.AddSync(f), level), nil
}

func encoderFor(format string) zapcore.Encoder {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(jsonEncoderConfig())
	case "console":
		return zapcore.NewConsoleEncoder(consoleEncoderConfig())
	default:
		return zapcore.NewConsoleEncoder(legacyEncoderConfig())
	}
}

func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" || dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// timestamp layout matches the original log files: 2006-01-02 15:04:05.000
func legacyEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " | "
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}
