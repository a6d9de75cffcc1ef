// Package bot routes account events: it answers challenges and owns the
// registry of running game sessions.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/msgcat"
	"github.com/park285/cheese-lichess-bot/pkg/botdto"
)

const (
	DefaultMaxGames = 100
	respondTimeout  = 30 * time.Second
	// an accepted challenge holds a slot until its gameStart arrives
	acceptHold = time.Minute
)

// Session is a running game as the dispatcher sees it.
type Session interface {
	Run(ctx context.Context) error
	Close() error
	Info() botdto.SessionInfo
}

type SessionFactory func(ctx context.Context, gameID string) (Session, error)

type ChallengeResponder interface {
	AcceptChallenge(ctx context.Context, id string) error
	DeclineChallenge(ctx context.Context, id, reason string) error
}

type AccountStreamer interface {
	StreamAccount(ctx context.Context) (<-chan lichess.AccountEvent, <-chan error)
}

type Publisher interface {
	Publish(ev botdto.Event)
}

type Config struct {
	BotID           string
	MaxGames        int
	AllowedVariants []string
}

type Dispatcher struct {
	cfg       Config
	variants  map[string]struct{}
	streams   AccountStreamer
	responder ChallengeResponder
	factory   SessionFactory
	notifier  *msgcat.Notifier
	publisher Publisher
	logger    *zap.Logger
	startedAt time.Time

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
	accepted map[string]time.Time
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Dispatcher)

func WithNotifier(n *msgcat.Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }
func WithPublisher(p Publisher) Option       { return func(d *Dispatcher) { d.publisher = p } }
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func New(cfg Config, streams AccountStreamer, responder ChallengeResponder, factory SessionFactory, opts ...Option) *Dispatcher {
	if cfg.MaxGames <= 0 {
		cfg.MaxGames = DefaultMaxGames
	}
	d := &Dispatcher{
		cfg:       cfg,
		streams:   streams,
		responder: responder,
		factory:   factory,
		logger:    zap.NewNop(),
		startedAt: time.Now(),
		now:       time.Now,
		sessions:  make(map[string]Session),
		accepted:  make(map[string]time.Time),
	}
	if len(cfg.AllowedVariants) > 0 {
		d.variants = make(map[string]struct{}, len(cfg.AllowedVariants))
		for _, v := range cfg.AllowedVariants {
			d.variants[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes the account stream until it ends. Losing the stream is fatal
// for the bot, so its terminal error is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, errc := d.streams.StreamAccount(ctx)
	d.say("app.awaiting", nil)
	for ev := range events {
		d.Handle(ctx, ev)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("account stream: %w", err)
	}
	return ctx.Err()
}

// Handle applies one account event.
func (d *Dispatcher) Handle(ctx context.Context, ev lichess.AccountEvent) {
	d.logger.Info("account_event", zap.String("type", ev.Type))
	switch ev.Type {
	case lichess.EventChallenge:
		if ev.Challenge == nil {
			d.logger.Warn("challenge_without_body")
			return
		}
		d.onChallenge(ctx, *ev.Challenge)
	case lichess.EventChallengeCanceled:
		if ev.Challenge != nil {
			d.release(ev.Challenge.ID)
			d.say("challenge.canceled", map[string]any{"Challenger": ev.Challenge.Challenger.Display()})
		}
	case lichess.EventChallengeDeclined:
		if ev.Challenge != nil {
			d.say("challenge.declined", map[string]any{"Challenger": ev.Challenge.Challenger.Display()})
		}
	case lichess.EventGameStart:
		if ev.Game == nil || ev.Game.Key() == "" {
			d.logger.Warn("game_start_without_id")
			return
		}
		d.onGameStart(ctx, ev.Game.Key())
	case lichess.EventGameFinish:
		if ev.Game == nil {
			return
		}
		d.onGameFinish(ev.Game.Key())
	default:
		d.logger.Info("account_event_unknown", zap.String("type", ev.Type))
	}
}

func (d *Dispatcher) onChallenge(ctx context.Context, c lichess.Challenge) {
	who := c.Challenger.Display()
	log := d.logger.With(
		zap.String("challenge_id", c.ID),
		zap.String("challenger", who),
		zap.String("variant", c.Variant.Key),
		zap.String("speed", c.Speed),
		zap.Bool("rated", c.Rated))

	if !d.variantAllowed(c.Variant.Key) {
		log.Info("challenge_decline", zap.String("reason", lichess.DeclineVariant))
		d.say("challenge.declining_variant", map[string]any{"Challenger": who, "Variant": c.Variant.Key})
		d.respond(ctx, c.ID, lichess.DeclineVariant)
		return
	}
	if n, ok := d.reserve(c.ID); !ok {
		log.Info("challenge_decline", zap.String("reason", lichess.DeclineLater), zap.Int("active", n))
		d.say("challenge.declining_full", map[string]any{"Challenger": who, "Max": d.cfg.MaxGames})
		d.respond(ctx, c.ID, lichess.DeclineLater)
		return
	}
	log.Info("challenge_accept")
	d.say("challenge.accepting", map[string]any{"Challenger": who})
	d.respond(ctx, c.ID, "")
}

// reserve holds a slot for a challenge about to be accepted. It reports the
// number of occupied slots and whether one was free.
func (d *Dispatcher) reserve(id string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	n := len(d.sessions) + len(d.accepted)
	if n >= d.cfg.MaxGames {
		return n, false
	}
	d.accepted[id] = d.now()
	return n, true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.accepted, id)
	d.mu.Unlock()
}

func (d *Dispatcher) expireLocked() {
	now := d.now()
	for id, at := range d.accepted {
		if now.Sub(at) > acceptHold {
			d.logger.Info("accepted_challenge_expired", zap.String("challenge_id", id))
			delete(d.accepted, id)
		}
	}
}

func (d *Dispatcher) variantAllowed(key string) bool {
	if d.variants == nil {
		return true
	}
	if key == "" {
		key = "standard"
	}
	_, ok := d.variants[strings.ToLower(key)]
	return ok
}

// respond answers a challenge in the background. An empty reason accepts.
func (d *Dispatcher) respond(ctx context.Context, id, reason string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		rctx, cancel := context.WithTimeout(ctx, respondTimeout)
		defer cancel()
		kind := botdto.KindChallengeAccepted
		var err error
		if reason == "" {
			err = d.responder.AcceptChallenge(rctx, id)
		} else {
			kind = botdto.KindChallengeDeclined
			err = d.responder.DeclineChallenge(rctx, id, reason)
		}
		if err != nil {
			if reason == "" {
				d.release(id)
			}
			d.logger.Error("challenge_respond_failed", zap.String("challenge_id", id), zap.String("reason", reason), zap.Error(err))
			return
		}
		d.logger.Info("challenge_responded", zap.String("challenge_id", id), zap.String("reason", reason))
		d.publish(botdto.Event{Kind: kind, Detail: id + " " + reason})
	}()
}

func (d *Dispatcher) onGameStart(ctx context.Context, id string) {
	d.mu.Lock()
	d.expireLocked()
	_, exists := d.sessions[id]
	// a game for a challenge we accepted already holds its slot
	_, held := d.accepted[id]
	full := !held && len(d.sessions)+len(d.accepted) >= d.cfg.MaxGames
	closed := d.closed
	d.mu.Unlock()
	switch {
	case closed:
		return
	case exists:
		d.logger.Info("game_start_duplicate", zap.String("game_id", id))
		return
	case full:
		d.logger.Warn("game_start_over_limit", zap.String("game_id", id), zap.Int("max", d.cfg.MaxGames))
		return
	}

	d.say("game.starting", map[string]any{"GameID": id})
	s, err := d.factory(ctx, id)
	if err != nil {
		d.release(id)
		d.logger.Error("game_session_create_failed", zap.String("game_id", id), zap.Error(err))
		d.say("app.fatal", nil)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = s.Close()
		return
	}
	d.sessions[id] = s
	delete(d.accepted, id)
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		err := s.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		d.logger.Error("game_session_failed", zap.String("game_id", id), zap.Error(err))
		d.say("game.stream_lost", map[string]any{"GameID": id})
		d.publish(botdto.Event{Kind: botdto.KindGameDropped, GameID: id, Detail: err.Error()})
		d.drop(id, s)
	}()
}

func (d *Dispatcher) onGameFinish(id string) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("game_finish_unknown", zap.String("game_id", id))
		return
	}
	if err := s.Close(); err != nil {
		d.logger.Warn("game_session_close_failed", zap.String("game_id", id), zap.Error(err))
	}
	d.say("game.ended", map[string]any{"GameID": id})
}

// drop removes s only if it is still the registered session for id.
func (d *Dispatcher) drop(id string, s Session) {
	d.mu.Lock()
	if cur, ok := d.sessions[id]; ok && cur == s {
		delete(d.sessions, id)
	}
	d.mu.Unlock()
	_ = s.Close()
}

// Count is the number of registered sessions.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Dispatcher) Has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[id]
	return ok
}

// Status implements the monitor's snapshot source.
func (d *Dispatcher) Status() botdto.Status {
	d.mu.Lock()
	games := make([]botdto.SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		games = append(games, s.Info())
	}
	d.mu.Unlock()
	return botdto.Status{BotID: d.cfg.BotID, MaxGames: d.cfg.MaxGames, Games: games, StartedAt: d.startedAt}
}

// Close closes every session and waits for background work to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	sessions := d.sessions
	d.sessions = make(map[string]Session)
	d.mu.Unlock()

	if len(sessions) > 0 {
		d.say("app.shutdown", map[string]any{"Games": len(sessions)})
	}
	var errs []error
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	d.wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) say(key string, data map[string]any) {
	d.notifier.Say(key, data)
}

func (d *Dispatcher) publish(ev botdto.Event) {
	if d.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.publisher.Publish(ev)
}
