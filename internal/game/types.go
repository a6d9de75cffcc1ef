package game

import (
	"context"

	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/pkg/botdto"
)

type Color int

const (
	White Color = iota
	Black
)

func (c Color) String() string {
	if c == Black {
		return "black"
	}
	return "white"
}

type Status int

const (
	Created Status = iota
	AwaitingOpponent
	AwaitingEngine
	Finished
)

func (s Status) String() string {
	switch s {
	case AwaitingOpponent:
		return "awaiting_opponent"
	case AwaitingEngine:
		return "awaiting_engine"
	case Finished:
		return "finished"
	default:
		return "created"
	}
}

// Mover submits the bot's moves.
type Mover interface {
	MakeMove(ctx context.Context, gameID, move string) error
}

// StreamOpener follows a game's event stream.
type StreamOpener interface {
	StreamGame(ctx context.Context, gameID string) (<-chan lichess.GameEvent, <-chan error)
}

// Publisher receives lifecycle events for observers.
type Publisher interface {
	Publish(ev botdto.Event)
}
