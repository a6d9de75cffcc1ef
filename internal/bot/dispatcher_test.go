package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/pkg/botdto"
)

type answer struct {
	id     string
	reason string
	accept bool
}

type fakeResponder struct {
	answers chan answer
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{answers: make(chan answer, 64)}
}

func (f *fakeResponder) AcceptChallenge(_ context.Context, id string) error {
	f.answers <- answer{id: id, accept: true}
	return nil
}

func (f *fakeResponder) DeclineChallenge(_ context.Context, id, reason string) error {
	f.answers <- answer{id: id, reason: reason}
	return nil
}

func (f *fakeResponder) next(t *testing.T) answer {
	t.Helper()
	select {
	case a := <-f.answers:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("challenge not answered")
	}
	return answer{}
}

type fakeSession struct {
	id     string
	stop   chan struct{}
	fail   chan error
	closed atomic.Int32
	once   sync.Once
}

func (f *fakeSession) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stop:
		return nil
	case err := <-f.fail:
		return err
	}
}

func (f *fakeSession) Close() error {
	f.closed.Add(1)
	f.once.Do(func() { close(f.stop) })
	return nil
}

func (f *fakeSession) Info() botdto.SessionInfo { return botdto.SessionInfo{GameID: f.id} }

type sessionLog struct {
	mu      sync.Mutex
	created map[string]*fakeSession
}

func (l *sessionLog) factory(_ context.Context, id string) (Session, error) {
	if id == "broken" {
		return nil, errors.New("engine failed to start")
	}
	s := &fakeSession{id: id, stop: make(chan struct{}), fail: make(chan error, 1)}
	l.mu.Lock()
	l.created[id] = s
	l.mu.Unlock()
	return s, nil
}

func (l *sessionLog) get(id string) *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created[id]
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *fakeResponder, *sessionLog) {
	t.Helper()
	r := newFakeResponder()
	l := &sessionLog{created: make(map[string]*fakeSession)}
	d := New(cfg, nil, r, l.factory)
	t.Cleanup(func() { _ = d.Close() })
	return d, r, l
}

func challenge(id, variant string) lichess.AccountEvent {
	return lichess.AccountEvent{Type: lichess.EventChallenge, Challenge: &lichess.Challenge{
		ID:         id,
		Challenger: lichess.Player{ID: "bob", Name: "Bob"},
		Variant:    lichess.Variant{Key: variant},
	}}
}

func gameStart(id string) lichess.AccountEvent {
	return lichess.AccountEvent{Type: lichess.EventGameStart, Game: &lichess.GameRef{ID: id}}
}

func gameFinish(id string) lichess.AccountEvent {
	return lichess.AccountEvent{Type: lichess.EventGameFinish, Game: &lichess.GameRef{ID: id}}
}

func TestChallengeAcceptedBelowBound(t *testing.T) {
	d, r, _ := newTestDispatcher(t, Config{MaxGames: 2})
	d.Handle(context.Background(), challenge("c1", "standard"))
	if a := r.next(t); !a.accept || a.id != "c1" {
		t.Fatalf("expected accept, got %+v", a)
	}
}

func TestChallengeDeclinedAtBound(t *testing.T) {
	ctx := context.Background()
	d, r, _ := newTestDispatcher(t, Config{MaxGames: 2})
	d.Handle(ctx, gameStart("g1"))
	d.Handle(ctx, gameStart("g2"))
	if d.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", d.Count())
	}
	for i := 0; i < 3; i++ {
		d.Handle(ctx, challenge(fmt.Sprintf("c%d", i), "standard"))
		if a := r.next(t); a.accept || a.reason != lichess.DeclineLater {
			t.Fatalf("expected decline at bound, got %+v", a)
		}
	}
	// a game started anyway at the bound is not registered
	d.Handle(ctx, gameStart("g3"))
	if d.Count() != 2 || d.Has("g3") {
		t.Fatalf("bound exceeded: %d", d.Count())
	}
	d.Handle(ctx, gameFinish("g1"))
	d.Handle(ctx, challenge("c9", "standard"))
	if a := r.next(t); !a.accept {
		t.Fatalf("expected accept after a game finished, got %+v", a)
	}
}

func TestAcceptedChallengesHoldSlots(t *testing.T) {
	ctx := context.Background()
	d, r, _ := newTestDispatcher(t, Config{MaxGames: 2})
	d.Handle(ctx, challenge("c1", "standard"))
	d.Handle(ctx, challenge("c2", "standard"))
	d.Handle(ctx, challenge("c3", "standard"))
	got := map[string]answer{}
	for i := 0; i < 3; i++ {
		a := r.next(t)
		got[a.id] = a
	}
	if !got["c1"].accept || !got["c2"].accept {
		t.Fatalf("expected the first two accepted, got %+v", got)
	}
	if got["c3"].accept || got["c3"].reason != lichess.DeclineLater {
		t.Fatalf("third challenge should wait for a free slot, got %+v", got["c3"])
	}

	// an unrelated game cannot take a held slot
	d.Handle(ctx, gameStart("g9"))
	if d.Has("g9") {
		t.Fatalf("held slot given away")
	}
	d.Handle(ctx, gameStart("c1"))
	d.Handle(ctx, gameStart("c2"))
	if !d.Has("c1") || !d.Has("c2") || d.Count() != 2 {
		t.Fatalf("accepted games not admitted: %d", d.Count())
	}
}

func TestCanceledChallengeFreesSlot(t *testing.T) {
	ctx := context.Background()
	d, r, _ := newTestDispatcher(t, Config{MaxGames: 1})
	d.Handle(ctx, challenge("c1", "standard"))
	if a := r.next(t); !a.accept {
		t.Fatalf("expected accept, got %+v", a)
	}
	d.Handle(ctx, lichess.AccountEvent{Type: lichess.EventChallengeCanceled, Challenge: &lichess.Challenge{ID: "c1"}})
	d.Handle(ctx, challenge("c2", "standard"))
	if a := r.next(t); !a.accept || a.id != "c2" {
		t.Fatalf("expected accept after cancel, got %+v", a)
	}
}

func TestAcceptedSlotExpires(t *testing.T) {
	ctx := context.Background()
	d, r, _ := newTestDispatcher(t, Config{MaxGames: 1})
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	d.Handle(ctx, challenge("c1", "standard"))
	if a := r.next(t); !a.accept {
		t.Fatalf("expected accept, got %+v", a)
	}
	d.Handle(ctx, challenge("c2", "standard"))
	if a := r.next(t); a.accept {
		t.Fatalf("expected decline while c1 holds the slot")
	}
	now = now.Add(2 * acceptHold)
	d.Handle(ctx, challenge("c3", "standard"))
	if a := r.next(t); !a.accept || a.id != "c3" {
		t.Fatalf("expected accept once the hold expired, got %+v", a)
	}
}

func TestVariantFilter(t *testing.T) {
	d, r, _ := newTestDispatcher(t, Config{AllowedVariants: []string{"standard", "fromPosition"}})
	d.Handle(context.Background(), challenge("c1", "atomic"))
	if a := r.next(t); a.accept || a.reason != lichess.DeclineVariant {
		t.Fatalf("expected variant decline, got %+v", a)
	}
	d.Handle(context.Background(), challenge("c2", "fromposition"))
	if a := r.next(t); !a.accept {
		t.Fatalf("expected accept, got %+v", a)
	}
}

func TestGameStartAndFinishLifecycle(t *testing.T) {
	ctx := context.Background()
	d, _, l := newTestDispatcher(t, Config{})
	d.Handle(ctx, gameStart("g1"))
	d.Handle(ctx, gameStart("g1"))
	if !d.Has("g1") || d.Count() != 1 {
		t.Fatalf("expected one session for g1")
	}
	d.Handle(ctx, gameFinish("g1"))
	if d.Has("g1") || d.Count() != 0 {
		t.Fatalf("g1 still registered")
	}
	if l.get("g1").closed.Load() != 1 {
		t.Fatalf("session not closed on finish")
	}
	// repeated and unknown finishes are no-ops
	d.Handle(ctx, gameFinish("g1"))
	d.Handle(ctx, gameFinish("nope"))
	if l.get("g1").closed.Load() != 1 {
		t.Fatalf("session closed twice")
	}
}

func TestFactoryFailureLeavesRegistryEmpty(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})
	d.Handle(context.Background(), gameStart("broken"))
	if d.Count() != 0 {
		t.Fatalf("broken session registered")
	}
}

func TestSessionStreamFailureDropsIt(t *testing.T) {
	d, _, l := newTestDispatcher(t, Config{})
	d.Handle(context.Background(), gameStart("g1"))
	d.Handle(context.Background(), gameStart("g2"))
	l.get("g1").fail <- errors.New("game stream g1: maximum attempts (5) reached")

	deadline := time.Now().Add(2 * time.Second)
	for d.Has("g1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.Has("g1") {
		t.Fatalf("failed session still registered")
	}
	if !d.Has("g2") {
		t.Fatalf("other session affected")
	}
}

func TestUnknownEventsIgnored(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})
	d.Handle(context.Background(), lichess.AccountEvent{Type: "challengeCanceled", Challenge: &lichess.Challenge{ID: "c1"}})
	d.Handle(context.Background(), lichess.AccountEvent{Type: "challengeDeclined"})
	d.Handle(context.Background(), lichess.AccountEvent{Type: "somethingNew"})
	d.Handle(context.Background(), lichess.AccountEvent{Type: lichess.EventGameStart})
	if d.Count() != 0 {
		t.Fatalf("unexpected sessions")
	}
}

type fakeAccount struct {
	events chan lichess.AccountEvent
	errc   chan error
}

func (f *fakeAccount) StreamAccount(context.Context) (<-chan lichess.AccountEvent, <-chan error) {
	return f.events, f.errc
}

func TestRunEndToEnd(t *testing.T) {
	acct := &fakeAccount{events: make(chan lichess.AccountEvent, 8), errc: make(chan error, 1)}
	r := newFakeResponder()
	l := &sessionLog{created: make(map[string]*fakeSession)}
	d := New(Config{MaxGames: 5}, acct, r, l.factory)
	defer d.Close()

	acct.events <- challenge("c1", "standard")
	acct.events <- gameStart("g1")
	acct.events <- gameFinish("g1")
	acct.events <- gameStart("g2")
	acct.errc <- lichess.ErrStreamClosed
	close(acct.events)

	err := d.Run(context.Background())
	if !errors.Is(err, lichess.ErrStreamClosed) {
		t.Fatalf("expected account stream error, got %v", err)
	}
	if a := r.next(t); !a.accept {
		t.Fatalf("expected accept, got %+v", a)
	}
	if d.Has("g1") || !d.Has("g2") {
		t.Fatalf("unexpected registry: g1=%v g2=%v", d.Has("g1"), d.Has("g2"))
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.get("g2").closed.Load() == 0 {
		t.Fatalf("session not closed on shutdown")
	}
	if got := d.Status(); len(got.Games) != 0 || got.MaxGames != 5 {
		t.Fatalf("unexpected status after close %+v", got)
	}
}
