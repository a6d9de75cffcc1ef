// Package archive keeps finished games: a short recent-games list in Redis
// and permanent results in Postgres. Both are optional.
package archive

import (
	"context"
	"errors"
	"strings"
	"time"
)

// GameRecord is a finished game as the bot saw it.
type GameRecord struct {
	ID         string    `json:"id"`
	BotColor   string    `json:"botColor"`
	White      string    `json:"white"`
	Black      string    `json:"black"`
	Variant    string    `json:"variant,omitempty"`
	Speed      string    `json:"speed,omitempty"`
	Rated      bool      `json:"rated"`
	InitialFEN string    `json:"initialFen,omitempty"`
	MovesUCI   []string  `json:"movesUci"`
	MovesSAN   []string  `json:"movesSan"`
	FinalFEN   string    `json:"finalFen"`
	Status     string    `json:"status"`
	Winner     string    `json:"winner,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
}

// Result is the PGN result token.
func (r GameRecord) Result() string {
	switch strings.ToLower(strings.TrimSpace(r.Winner)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	}
	switch r.Status {
	case "draw", "stalemate":
		return "1/2-1/2"
	}
	return "*"
}

// BotWon reports the outcome from the bot's side: 1 win, 0 draw or
// undecided, -1 loss.
func (r GameRecord) BotWon() int {
	switch {
	case r.Winner == "":
		return 0
	case strings.EqualFold(r.Winner, r.BotColor):
		return 1
	default:
		return -1
	}
}

// Duration is the wall time between gameFull and the terminal state.
func (r GameRecord) Duration() time.Duration {
	d := r.EndedAt.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

type Recorder interface {
	Record(ctx context.Context, rec GameRecord) error
}

// Multi records to every backend and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, rec GameRecord) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
