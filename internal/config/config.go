package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "gopkg.in/yaml.v3"
)

const (
	MoveSourceEngine = "engine"
	MoveSourceHuman  = "human"
)

type AppConfig struct {
	BotToken string `env:"BOT_TOKEN" yaml:"bot_token"`
	BotID    string `env:"BOT_ID" yaml:"bot_id"`
	BaseURL  string `env:"LICHESS_URL" yaml:"lichess_url"`

	MaxGames        int      `env:"MAX_GAMES" yaml:"max_games"`
	AllowedVariants []string `env:"ALLOWED_VARIANTS" envSeparator:"," yaml:"allowed_variants"`
	MoveSource      string   `env:"MOVE_SOURCE" yaml:"move_source"`

	HTTPTimeout   time.Duration `env:"HTTP_TIMEOUT" yaml:"http_timeout"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" yaml:"retry_attempts"`
	StreamIdle    time.Duration `env:"STREAM_IDLE_TIMEOUT" yaml:"stream_idle_timeout"`

	StockfishPath    string `env:"STOCKFISH_PATH" yaml:"stockfish_path"`
	EngineDepth      int    `env:"ENGINE_DEPTH" yaml:"engine_depth"`
	EngineMoveTimeMS int    `env:"ENGINE_MOVETIME_MS" yaml:"engine_movetime_ms"`
	EngineThreads    int    `env:"ENGINE_THREADS" yaml:"engine_threads"`
	EngineHashMB     int    `env:"ENGINE_HASH_MB" yaml:"engine_hash_mb"`
	EngineSkillLevel int    `env:"ENGINE_SKILL_LEVEL" yaml:"engine_skill_level"`

	RedisURL    string `env:"REDIS_URL" yaml:"redis_url"`
	DatabaseURL string `env:"DATABASE_URL" yaml:"database_url"`
	MonitorAddr string `env:"MONITOR_ADDR" yaml:"monitor_addr"`
	MessagesDir string `env:"MESSAGES_DIR" yaml:"messages_dir"`

	LogLevel      string `env:"LOG_LEVEL" yaml:"log_level"`
	LogFormat     string `env:"LOG_FORMAT" yaml:"log_format"`
	LogToConsole  bool   `env:"LOG_TO_CONSOLE" yaml:"log_to_console"`
	LogToFile     bool   `env:"LOG_TO_FILE" yaml:"log_to_file"`
	LogFile       string `env:"LOG_FILE" yaml:"log_file"`
	EngineLogFile string `env:"ENGINE_LOG_FILE" yaml:"engine_log_file"`
}

func defaults() *AppConfig {
	return &AppConfig{
		BaseURL:          "https://lichess.org",
		MaxGames:         100,
		AllowedVariants:  []string{"standard", "fromPosition"},
		MoveSource:       MoveSourceEngine,
		HTTPTimeout:      10 * time.Second,
		RetryAttempts:    5,
		StreamIdle:       30 * time.Second,
		EngineDepth:      15,
		EngineThreads:    1,
		EngineHashMB:     16,
		EngineSkillLevel: 20,
		LogLevel:         "info",
		LogFormat:        "legacy",
		LogToConsole:     true,
		LogToFile:        true,
		LogFile:          "logs/lichess-bot.log",
		EngineLogFile:    "logs/engine.log",
	}
}

// Load reads CONFIG_FILE (optional) and then the process environment.
func Load() (*AppConfig, error) {
	return LoadFrom(strings.TrimSpace(os.Getenv("CONFIG_FILE")), nil)
}

// LoadFrom applies defaults, then the YAML file at path, then environ.
// A nil environ means the process environment.
func LoadFrom(path string, environ map[string]string) (*AppConfig, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	var err error
	if environ == nil {
		err = env.Parse(cfg)
	} else {
		err = env.ParseWithOptions(cfg, env.Options{Environment: environ})
	}
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) normalize() {
	c.BotToken = strings.TrimSpace(c.BotToken)
	c.BotID = strings.ToLower(strings.TrimSpace(c.BotID))
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.MoveSource = strings.ToLower(strings.TrimSpace(c.MoveSource))
	c.StockfishPath = strings.TrimSpace(c.StockfishPath)

	variants := c.AllowedVariants[:0]
	for _, v := range c.AllowedVariants {
		if s := strings.TrimSpace(v); s != "" {
			variants = append(variants, s)
		}
	}
	c.AllowedVariants = variants
}

func (c *AppConfig) Validate() error {
	if c.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if c.BaseURL == "" {
		return errors.New("LICHESS_URL is required")
	}
	if c.MaxGames <= 0 {
		return fmt.Errorf("MAX_GAMES must be > 0: %d", c.MaxGames)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be > 0: %d", c.RetryAttempts)
	}
	switch c.MoveSource {
	case MoveSourceEngine:
		if c.StockfishPath == "" {
			return errors.New("STOCKFISH_PATH is required for the engine move source")
		}
		if c.EngineDepth <= 0 && c.EngineMoveTimeMS <= 0 {
			return errors.New("ENGINE_DEPTH or ENGINE_MOVETIME_MS must be set")
		}
	case MoveSourceHuman:
	default:
		return fmt.Errorf("unknown MOVE_SOURCE %q", c.MoveSource)
	}
	return nil
}
