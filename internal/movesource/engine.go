package movesource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
)

// Searcher is the part of uci.Session an Engine needs.
type Searcher interface {
	Search(ctx context.Context, req uci.SearchRequest) (uci.SearchResponse, error)
	Close() error
}

type EngineConfig struct {
	Depth          int
	MoveTimeMillis int
}

func (c EngineConfig) limits() uci.Limits {
	depth := c.Depth
	if depth <= 0 && c.MoveTimeMillis <= 0 {
		depth = 15
	}
	return uci.Limits{Depth: depth, MoveTimeMillis: c.MoveTimeMillis}
}

// Engine asks a dedicated engine process for the best move.
type Engine struct {
	mu       sync.Mutex
	searcher Searcher
	limits   uci.Limits
	logger   *zap.Logger
	closed   atomic.Bool
}

func NewEngine(s Searcher, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{searcher: s, limits: cfg.limits(), logger: logger}
}

// Move sends the position as a FEN and waits for bestmove. Requests are
// serialized; the engine only thinks about one position at a time.
func (e *Engine) Move(ctx context.Context, req Request) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Info("engine_think",
		zap.String("game_id", req.GameID),
		zap.Int("depth", e.limits.Depth),
		zap.Int("movetime_ms", e.limits.MoveTimeMillis),
		zap.String("fen", req.FEN))

	resp, err := e.searcher.Search(ctx, uci.SearchRequest{FEN: req.FEN, Limits: e.limits})
	if err != nil {
		if errors.Is(err, uci.ErrNoBestMove) {
			return "", ErrNoMove
		}
		if e.closed.Load() {
			return "", ErrClosed
		}
		return "", fmt.Errorf("engine search: %w", err)
	}
	move := strings.TrimSpace(resp.BestMove)
	if move == "" {
		return "", ErrNoMove
	}
	e.logger.Info("engine_bestmove",
		zap.String("game_id", req.GameID),
		zap.String("move", move),
		zap.String("ponder", resp.Ponder),
		zap.Int("depth", resp.Depth),
		zap.Int("eval_cp", resp.EvalCP))
	return move, nil
}

// Close kills the engine process, interrupting a search in progress.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.searcher.Close()
}

// EngineFactory starts one engine per game through the launcher.
func EngineFactory(l *uci.Launcher, cfg EngineConfig, logger *zap.Logger) Factory {
	return func(ctx context.Context, gameID string) (Source, error) {
		s, err := l.Start(ctx, gameID)
		if err != nil {
			return nil, fmt.Errorf("start engine for %s: %w", gameID, err)
		}
		if err := s.NewGame(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("reset engine for %s: %w", gameID, err)
		}
		return NewEngine(s, cfg, logger), nil
	}
}
