package lichess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-lichess-bot/internal/retry"
)

func newTestStreamer(dial fasthttp.DialFunc) *Streamer {
	return NewStreamer(testBase, "secret", WithStreamDial(dial), WithStreamRetry(5, retry.NoBackoff))
}

// firstOnly runs h for the first connection and refuses every later one.
func firstOnly(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	var calls atomic.Int32
	return func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) > 1 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		h(ctx)
	}
}

func collect[T any](t *testing.T, events <-chan T, errc <-chan error) ([]T, error) {
	t.Helper()
	var out []T
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out, <-errc
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not end")
		}
	}
}

func TestAccountStreamFramingAndOrder(t *testing.T) {
	var auth string
	dial := serve(t, firstOnly(func(ctx *fasthttp.RequestCtx) {
		auth = string(ctx.Request.Header.Peek("Authorization"))
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			w.WriteString("\n")
			w.Flush()
			w.WriteString(`{"type":"challenge","challenge":{"id":"c1","challenger":{"id":"bob","name":"Bob"},"variant":{"key":"standard"}}}` + "\n")
			w.WriteString(`{"type":"gameSt`)
			w.Flush()
			time.Sleep(20 * time.Millisecond)
			w.WriteString(`art","game":{"id":"g1"}}` + "\n\n")
			w.WriteString("not json at all\n")
			w.WriteString(`{"type":"gameFinish","game":{"gameId":"g1"}}` + "\n")
			w.Flush()
		})
	}))
	s := newTestStreamer(dial)
	events, errc := s.StreamAccount(context.Background())
	got, err := collect(t, events, errc)
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("stream not authenticated: %q", auth)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	if got[0].Type != EventChallenge || got[0].Challenge.Challenger.Name != "Bob" {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].Type != EventGameStart || got[1].Game.Key() != "g1" {
		t.Fatalf("split record not rejoined: %+v", got[1])
	}
	if got[2].Type != EventGameFinish || got[2].Game.Key() != "g1" {
		t.Fatalf("unexpected last event %+v", got[2])
	}
}

func TestGameStreamDecodesFullAndState(t *testing.T) {
	dial := serve(t, firstOnly(func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/api/bot/game/stream/g7" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			w.WriteString(`{"type":"gameFull","id":"g7","white":{"id":"cheesebot","name":"CheeseBot"},"black":{"id":"bob"},"initialFen":"startpos","state":{"type":"gameState","moves":"","status":"started"}}` + "\n")
			w.WriteString(`{"type":"gameState","moves":"e2e4 e7e5","status":"started"}` + "\n")
			w.WriteString(`{"type":"chatLine","username":"bob","text":"gl","room":"player"}` + "\n")
			w.WriteString(`{"type":"gameState","moves":"e2e4 e7e5","status":"resign","winner":"white"}` + "\n")
		})
	}))
	s := newTestStreamer(dial)
	events, errc := s.StreamGame(context.Background(), "g7")
	got, err := collect(t, events, errc)
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	full := got[0]
	if full.Type != EventGameFull || full.White.ID != "cheesebot" || full.InitialFen != "startpos" || full.State == nil || !full.State.Running() {
		t.Fatalf("unexpected gameFull %+v", full)
	}
	if got[1].Moves != "e2e4 e7e5" || !got[1].Running() {
		t.Fatalf("unexpected gameState %+v", got[1])
	}
	if got[2].Text != "gl" {
		t.Fatalf("unexpected chatLine %+v", got[2])
	}
	if got[3].Running() || got[3].Winner != "white" {
		t.Fatalf("terminal state not decoded %+v", got[3])
	}
}

func TestStreamConnectRetriedThenFails(t *testing.T) {
	var calls atomic.Int32
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetBodyString("down")
	})
	s := newTestStreamer(dial)
	events, errc := s.Open(context.Background(), "/api/stream/event")
	got, err := collect(t, events, errc)
	if len(got) != 0 {
		t.Fatalf("unexpected events %+v", got)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 5 {
		t.Fatalf("expected exhausted after 5 attempts, got %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 connects, got %d", calls.Load())
	}
}

func TestStreamSucceedsOnLaterAttempt(t *testing.T) {
	var calls atomic.Int32
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		n := calls.Add(1)
		if n != 3 {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			w.WriteString(`{"type":"gameStart","game":{"id":"g2"}}` + "\n")
		})
	})
	s := newTestStreamer(dial)
	events, errc := s.Open(context.Background(), "/api/stream/event")
	got, err := collect(t, events, errc)
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if len(got) != 1 || got[0].Type != EventGameStart {
		t.Fatalf("unexpected events %+v", got)
	}
	// two failed connects, the stream, then a full reopen budget
	if calls.Load() != 3+5 {
		t.Fatalf("expected 8 connects, got %d", calls.Load())
	}
}

func TestStreamCancelEndsQuietly(t *testing.T) {
	release := make(chan struct{})
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			w.WriteString(`{"type":"gameStart","game":{"id":"g3"}}` + "\n")
			w.Flush()
			<-release
		})
	})
	t.Cleanup(func() { close(release) })

	s := newTestStreamer(dial)
	ctx, cancel := context.WithCancel(context.Background())
	events, errc := s.Open(ctx, "/api/stream/event")
	select {
	case ev := <-events:
		if ev.Type != EventGameStart {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event")
	}
	cancel()
	got, err := collect(t, events, errc)
	if len(got) != 0 || err != nil {
		t.Fatalf("expected quiet close, got %v %v", got, err)
	}
}

func TestStreamReopensAfterServerDrop(t *testing.T) {
	var calls atomic.Int32
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		n := calls.Add(1)
		if n > 2 {
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
			return
		}
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			fmt.Fprintf(w, `{"type":"gameStart","game":{"id":"g%d"}}`+"\n", n)
		})
	})
	s := newTestStreamer(dial)
	events, errc := s.StreamAccount(context.Background())
	got, err := collect(t, events, errc)
	if len(got) != 2 || got[0].Game.Key() != "g1" || got[1].Game.Key() != "g2" {
		t.Fatalf("expected events from both connections, got %+v", got)
	}
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 5 {
		t.Fatalf("expected reopen budget exhausted, got %v", err)
	}
	if calls.Load() != 2+5 {
		t.Fatalf("expected 7 connects, got %d", calls.Load())
	}
}

func TestStreamGivesUpOnEmptyConnections(t *testing.T) {
	var calls atomic.Int32
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {})
	})
	s := newTestStreamer(dial)
	events, errc := s.Open(context.Background(), "/api/stream/event")
	got, err := collect(t, events, errc)
	if len(got) != 0 {
		t.Fatalf("unexpected events %+v", got)
	}
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 connects, got %d", calls.Load())
	}
}

func TestSilentConnectionIsReopened(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		switch calls.Add(1) {
		case 1:
			ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
				w.WriteString(`{"type":"gameStart","game":{"id":"g1"}}` + "\n")
				w.Flush()
				<-release
			})
		case 2:
			ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
				w.WriteString(`{"type":"gameFinish","game":{"id":"g1"}}` + "\n")
			})
		default:
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		}
	})
	t.Cleanup(func() { close(release) })

	s := NewStreamer(testBase, "secret",
		WithStreamDial(dial),
		WithStreamRetry(2, retry.NoBackoff),
		WithIdleTimeout(100*time.Millisecond),
	)
	events, errc := s.StreamAccount(context.Background())
	got, err := collect(t, events, errc)
	if len(got) != 2 || got[0].Type != EventGameStart || got[1].Type != EventGameFinish {
		t.Fatalf("expected the silent connection to be replaced, got %+v", got)
	}
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}
