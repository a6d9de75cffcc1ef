// Package game runs one game from gameFull to its terminal state.
package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/archive"
	"github.com/park285/cheese-lichess-bot/internal/chess"
	"github.com/park285/cheese-lichess-bot/internal/movesource"
	"github.com/park285/cheese-lichess-bot/internal/msgcat"
	"github.com/park285/cheese-lichess-bot/pkg/botdto"
)

// ErrSessionClosed is returned by Run on a closed session.
var ErrSessionClosed = errors.New("game session closed")

const (
	recordTimeout = 5 * time.Second
	submitTimeout = 30 * time.Second
)

// Deps are shared by every session of a bot.
type Deps struct {
	BotID      string
	Mover      Mover
	Streams    StreamOpener
	Recorder   archive.Recorder
	Publisher  Publisher
	Notifier   *msgcat.Notifier
	Logger     *zap.Logger
	SourceName string
	Now        func() time.Time
}

type pendingMove struct {
	id     string
	ply    int
	cancel context.CancelFunc
}

type moveResult struct {
	id    string
	ply   int
	move  string
	err   error
	check error
}

// Session owns its move source and rules workspace. All game state is
// touched only by the Run goroutine.
type Session struct {
	id     string
	deps   Deps
	source movesource.Source
	logger *zap.Logger

	results chan moveResult
	life    context.Context
	kill    context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
	runOnce   sync.Once

	// loop state
	color      Color
	colorSet   bool
	status     Status
	pending    *pendingMove
	initialFEN string
	header     header
	moves      []string
	position   *chess.Position
	startedAt  time.Time

	infoMu sync.RWMutex
	info   botdto.SessionInfo
}

type header struct {
	white   string
	black   string
	variant string
	speed   string
	rated   bool
}

// New builds a session around a source it now owns.
func New(id string, source movesource.Source, deps Deps) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("game id required")
	}
	if source == nil {
		return nil, fmt.Errorf("move source required")
	}
	if deps.Mover == nil || deps.Streams == nil {
		return nil, fmt.Errorf("mover and stream opener required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SourceName == "" {
		deps.SourceName = "Stockfish"
	}
	life, kill := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		deps:       deps,
		source:     source,
		logger:     deps.Logger.With(zap.String("game_id", id)),
		results:    make(chan moveResult, 1),
		life:       life,
		kill:       kill,
		done:       make(chan struct{}),
		initialFEN: chess.StartPos,
		startedAt:  deps.Now(),
	}
	s.info = botdto.SessionInfo{GameID: id, Status: Created.String(), StartedAt: s.startedAt}
	return s, nil
}

// NewFactory creates sessions whose sources come from sources.
func NewFactory(deps Deps, sources movesource.Factory) func(ctx context.Context, gameID string) (*Session, error) {
	return func(ctx context.Context, gameID string) (*Session, error) {
		src, err := sources(ctx, gameID)
		if err != nil {
			return nil, err
		}
		s, err := New(gameID, src, deps)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		return s, nil
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info is a copy of the session's observable state.
func (s *Session) Info() botdto.SessionInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

// Run follows the game stream until the game finishes, ctx ends or Close is
// called. A stream that fails for good is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("session %s already running", s.id)
	}
	defer close(s.done)

	if s.life.Err() != nil {
		return ErrSessionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()
	defer s.dropPending()

	s.logger.Info("game_stream_open")
	events, errc := s.deps.Streams.StreamGame(ctx, s.id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				err := <-errc
				if err == nil || ctx.Err() != nil || s.status == Finished {
					return nil
				}
				s.logger.Error("game_stream_failed", zap.Error(err))
				return fmt.Errorf("game stream %s: %w", s.id, err)
			}
			s.handle(ctx, ev)
			if s.status == Finished {
				return nil
			}
		case r := <-s.results:
			s.onResult(r)
		}
	}
}

// Close stops Run and kills the move source. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.kill()
		s.closeErr = s.source.Close()
		s.logger.Info("game_session_closed")
	})
	return s.closeErr
}

func (s *Session) setStatus(st Status) {
	s.status = st
	s.infoMu.Lock()
	s.info.Status = st.String()
	s.info.Thinking = st == AwaitingEngine
	s.info.Ply = len(s.moves)
	if s.colorSet {
		s.info.Color = s.color.String()
	}
	s.info.Opponent = s.opponent()
	s.infoMu.Unlock()
}

func (s *Session) opponent() string {
	if !s.colorSet {
		return ""
	}
	if s.color == White {
		return s.header.black
	}
	return s.header.white
}

func (s *Session) publish(ev botdto.Event) {
	if s.deps.Publisher == nil {
		return
	}
	ev.GameID = s.id
	if s.colorSet {
		ev.Color = s.color.String()
	}
	if ev.At.IsZero() {
		ev.At = s.deps.Now()
	}
	s.deps.Publisher.Publish(ev)
}

func (s *Session) say(key string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["GameID"] = s.id
	data["Source"] = s.deps.SourceName
	s.deps.Notifier.Say(key, data)
}
