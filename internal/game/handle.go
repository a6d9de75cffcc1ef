package game

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/archive"
	"github.com/park285/cheese-lichess-bot/internal/chess"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/movesource"
	"github.com/park285/cheese-lichess-bot/pkg/botdto"
)

func (s *Session) handle(ctx context.Context, ev lichess.GameEvent) {
	if s.status == Finished {
		s.logger.Debug("game_event_after_finish", zap.String("type", ev.Type))
		return
	}
	switch ev.Type {
	case lichess.EventGameFull:
		s.onGameFull(ctx, ev)
	case lichess.EventGameState:
		s.onGameState(ctx, ev.GameState)
	case lichess.EventChatLine:
		s.logger.Info("chat_line", zap.String("room", ev.Room), zap.String("user", ev.Username), zap.String("text", ev.Text))
	case lichess.EventOpponentGone:
		s.logger.Info("opponent_gone", zap.Bool("gone", ev.Gone), zap.Int("claim_win_in", ev.ClaimWinInSeconds))
	default:
		s.logger.Info("game_event_unknown", zap.String("type", ev.Type))
	}
}

func (s *Session) onGameFull(ctx context.Context, ev lichess.GameEvent) {
	if !s.colorSet {
		s.color = Black
		if strings.EqualFold(strings.TrimSpace(ev.White.ID), s.deps.BotID) {
			s.color = White
		}
		s.colorSet = true
		s.say("game.color", map[string]any{"Color": s.color.String()})
	}
	s.header = header{
		white:   ev.White.Display(),
		black:   ev.Black.Display(),
		variant: ev.Variant.Key,
		speed:   ev.Speed,
		rated:   ev.Rated,
	}
	if fen := strings.TrimSpace(ev.InitialFen); fen != "" {
		s.initialFEN = fen
	}
	s.logger.Info("game_full",
		zap.String("color", s.color.String()),
		zap.String("white", s.header.white),
		zap.String("black", s.header.black),
		zap.String("variant", s.header.variant),
		zap.String("initial_fen", s.initialFEN))
	s.publish(botdto.Event{Kind: botdto.KindGameStarted, Detail: s.opponent()})

	state := lichess.GameState{Status: lichess.StatusStarted}
	if ev.State != nil {
		state = *ev.State
	}
	s.onGameState(ctx, state)
}

func (s *Session) onGameState(ctx context.Context, st lichess.GameState) {
	if !s.colorSet {
		s.logger.Warn("game_state_before_full", zap.String("status", st.Status))
		return
	}
	moves := chess.Moves(st.Moves)
	if !st.Running() {
		s.moves = moves
		if pos, err := chess.Replay(s.initialFEN, moves); err == nil {
			s.position = pos
		}
		s.finish(st.Status, st.Winner)
		return
	}

	pos, err := chess.Replay(s.initialFEN, moves)
	if err != nil {
		var ill *chess.IllegalMoveError
		if errors.As(err, &ill) {
			s.logger.Error("replay_failed", zap.String("move", ill.Move), zap.Int("index", ill.Index), zap.String("fen", ill.FEN))
		} else {
			s.logger.Error("replay_failed", zap.Error(err))
		}
		s.say("app.fatal", nil)
		return
	}
	s.moves = moves
	s.position = pos

	n := len(moves)
	s.logger.Info("game_state", zap.Int("ply", n), zap.Int("parity", n%2), zap.String("color", s.color.String()))
	if !chess.BotToMove(s.color == White, n) {
		s.supersede(n)
		s.setStatus(AwaitingOpponent)
		return
	}
	if n > 0 {
		s.say("game.opponent_played", map[string]any{"PGN": pos.PGN()})
	}
	s.requestMove(ctx, pos, moves)
}

// supersede cancels a pending request that was asked for another ply.
func (s *Session) supersede(ply int) {
	if s.pending == nil || s.pending.ply == ply {
		return
	}
	s.logger.Info("move_request_superseded", zap.String("request_id", s.pending.id), zap.Int("ply", s.pending.ply), zap.Int("now", ply))
	s.dropPending()
}

func (s *Session) dropPending() {
	if s.pending == nil {
		return
	}
	s.pending.cancel()
	s.pending = nil
}

func (s *Session) requestMove(ctx context.Context, pos *chess.Position, moves []string) {
	ply := len(moves)
	s.supersede(ply)
	if s.pending != nil {
		s.logger.Debug("move_request_in_flight", zap.String("request_id", s.pending.id))
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	p := &pendingMove{id: uuid.NewString(), ply: ply, cancel: cancel}
	s.pending = p
	s.setStatus(AwaitingEngine)
	s.say("game.on_move", nil)
	s.say("game.thinking", nil)

	req := movesource.Request{GameID: s.id, FEN: pos.FEN(), Moves: append([]string(nil), moves...)}
	s.logger.Info("move_request", zap.String("request_id", p.id), zap.Int("ply", ply), zap.String("fen", req.FEN))

	check := pos.Clone()
	go func() {
		r := moveResult{id: p.id, ply: ply}
		r.move, r.err = s.source.Move(reqCtx, req)
		if r.err == nil {
			r.check = check.ValidateMove(r.move)
		}
		select {
		case s.results <- r:
		case <-reqCtx.Done():
		}
	}()
}

func (s *Session) onResult(r moveResult) {
	if s.pending == nil || s.pending.id != r.id || s.status == Finished {
		s.logger.Info("move_result_discarded", zap.String("request_id", r.id), zap.String("move", r.move))
		return
	}
	s.pending.cancel()
	s.pending = nil

	s.setStatus(AwaitingOpponent)
	if r.err != nil {
		if errors.Is(r.err, movesource.ErrNoMove) {
			s.logger.Warn("move_source_no_move", zap.Int("ply", r.ply))
			return
		}
		s.logger.Error("move_source_failed", zap.Int("ply", r.ply), zap.Error(r.err))
		return
	}
	// the server has the final word on legality; a local rejection is only reported
	if r.check != nil {
		s.logger.Warn("move_unverified", zap.String("move", r.move), zap.Error(r.check))
	}

	s.say("game.played", map[string]any{"Move": r.move})
	go s.submit(r.move, r.ply)
}

func (s *Session) submit(move string, ply int) {
	ctx, cancel := context.WithTimeout(s.life, submitTimeout)
	defer cancel()
	if err := s.deps.Mover.MakeMove(ctx, s.id, move); err != nil {
		s.logger.Error("move_submit_failed", zap.String("move", move), zap.Error(err))
		s.publish(botdto.Event{Kind: botdto.KindMoveFailed, Move: move, Ply: ply + 1, Detail: err.Error()})
		return
	}
	s.logger.Info("move_submit", zap.String("move", move), zap.Int("ply", ply+1))
	s.publish(botdto.Event{Kind: botdto.KindMovePlayed, Move: move, Ply: ply + 1})
}

func (s *Session) finish(status, winner string) {
	s.dropPending()
	s.setStatus(Finished)
	s.logger.Info("game_finished", zap.String("status", status), zap.String("winner", winner), zap.Int("ply", len(s.moves)))
	s.deps.Notifier.Status(status, nil)
	switch {
	case winner == "":
		if status == "draw" || status == "stalemate" {
			s.say("result.draw", nil)
		}
	case strings.EqualFold(winner, s.color.String()):
		s.say("result.won", nil)
	default:
		s.say("result.lost", nil)
	}

	rec := s.record(status, winner)
	s.publish(botdto.Event{Kind: botdto.KindGameFinished, Status: status, Winner: winner, Ply: len(s.moves), FEN: rec.FinalFEN})
	if s.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.deps.Recorder.Record(ctx, rec); err != nil {
		s.logger.Warn("archive_record_failed", zap.Error(err))
	}
}

func (s *Session) record(status, winner string) archive.GameRecord {
	rec := archive.GameRecord{
		ID:        s.id,
		BotColor:  s.color.String(),
		White:     s.header.white,
		Black:     s.header.black,
		Variant:   s.header.variant,
		Speed:     s.header.speed,
		Rated:     s.header.rated,
		MovesUCI:  append([]string(nil), s.moves...),
		Status:    status,
		Winner:    winner,
		StartedAt: s.startedAt,
		EndedAt:   s.deps.Now(),
	}
	if s.initialFEN != chess.StartPos {
		rec.InitialFEN = s.initialFEN
	}
	if s.position != nil {
		rec.MovesUCI = s.position.UCI()
		rec.MovesSAN = s.position.SAN()
		rec.FinalFEN = s.position.FEN()
	}
	return rec
}
