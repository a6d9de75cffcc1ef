package chess

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// StartPos is the server's marker for the standard initial position.
const StartPos = "startpos"

// IllegalMoveError reports the first move that could not be applied.
// FEN is the position immediately before that move.
type IllegalMoveError struct {
	Move  string
	Index int
	FEN   string
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move '%s' at ply %d, FEN: '%s'", e.Move, e.Index+1, e.FEN)
}

// Position is a private rules workspace. It is not safe for concurrent use;
// every replay builds a fresh one.
type Position struct {
	game *nchess.Game
	uci  []string
	san  []string
}

// notations tried in order when applying a move string
var sloppy = []nchess.Notation{
	nchess.UCINotation{},
	nchess.AlgebraicNotation{},
	nchess.LongAlgebraicNotation{},
}

// NewPosition starts from initialFEN, or the standard position when it is
// empty or "startpos".
func NewPosition(initialFEN string) (*Position, error) {
	fen := strings.TrimSpace(initialFEN)
	if fen == "" || fen == StartPos {
		return &Position{game: nchess.NewGame()}, nil
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse initial fen: %w", err)
	}
	return &Position{game: nchess.NewGame(opt)}, nil
}

// Replay applies moves onto a fresh position. On failure the returned
// Position holds the state just before the offending move.
func Replay(initialFEN string, moves []string) (*Position, error) {
	p, err := NewPosition(initialFEN)
	if err != nil {
		return nil, err
	}
	for i, mv := range moves {
		mv = strings.TrimSpace(mv)
		if mv == "" {
			continue
		}
		if err := p.Apply(mv); err != nil {
			return p, &IllegalMoveError{Move: mv, Index: i, FEN: p.FEN()}
		}
	}
	return p, nil
}

// Apply plays one move, accepting UCI or SAN.
func (p *Position) Apply(move string) error {
	before := p.game.Position()
	var lastErr error
	for _, n := range sloppy {
		err := p.game.PushNotationMove(move, n, nil)
		if err == nil {
			played := p.game.Moves()
			last := played[len(played)-1]
			p.uci = append(p.uci, last.String())
			p.san = append(p.san, nchess.AlgebraicNotation{}.Encode(before, last))
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// ValidateMove reports whether move is legal here without changing the position.
func (p *Position) ValidateMove(move string) error {
	clone := &Position{game: p.game.Clone()}
	if err := clone.Apply(strings.TrimSpace(move)); err != nil {
		return &IllegalMoveError{Move: move, Index: len(p.uci), FEN: p.FEN()}
	}
	return nil
}

// Clone returns an independent copy.
func (p *Position) Clone() *Position {
	return &Position{
		game: p.game.Clone(),
		uci:  append([]string(nil), p.uci...),
		san:  append([]string(nil), p.san...),
	}
}

func (p *Position) FEN() string { return p.game.FEN() }

// PGN is the move history in portable game notation, for diagnostics.
func (p *Position) PGN() string { return strings.TrimSpace(p.game.String()) }

// Ply counts the moves applied by this workspace.
func (p *Position) Ply() int { return len(p.uci) }

// UCI lists the applied moves in coordinate notation.
func (p *Position) UCI() []string { return append([]string(nil), p.uci...) }

// SAN lists the applied moves in standard algebraic notation.
func (p *Position) SAN() []string { return append([]string(nil), p.san...) }

// WhiteToMove reports the side to move according to the rules engine.
func (p *Position) WhiteToMove() bool { return p.game.Position().Turn() == nchess.White }

// Outcome returns "1-0", "0-1", "1/2-1/2" or "*".
func (p *Position) Outcome() string { return string(p.game.Outcome()) }

// Moves splits the server's space separated move list.
func Moves(list string) []string {
	return strings.Fields(list)
}

// BotToMove is the turn-parity rule: with n moves played White moves when n
// is even and Black when it is odd.
func BotToMove(white bool, moveCount int) bool {
	parity := moveCount % 2
	return (white && parity == 0) || (!white && parity == 1)
}
