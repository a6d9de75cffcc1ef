// Package movesource supplies the next move for a game, either from a UCI
// engine process or from a human at the terminal.
package movesource

import (
	"context"
	"errors"
)

var (
	// ErrNoMove means the source produced nothing playable.
	ErrNoMove = errors.New("move source produced no move")
	// ErrClosed is returned by Move after Close.
	ErrClosed = errors.New("move source closed")
)

// Request is what a session knows when it is the bot's turn.
type Request struct {
	GameID string
	FEN    string
	Moves  []string
}

// Source is owned by exactly one game session.
type Source interface {
	Move(ctx context.Context, req Request) (string, error)
	Close() error
}

// Factory builds a fresh Source for a game.
type Factory func(ctx context.Context, gameID string) (Source, error)
