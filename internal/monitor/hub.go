// Package monitor serves a read-only view of the running bot: a websocket
// feed of session events and a JSON status snapshot.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-lichess-bot/pkg/botdto"
)

const (
	subscriberBacklog = 32
	historySize       = 50
	writeTimeout      = 5 * time.Second
)

// StatusSource produces the current snapshot.
type StatusSource interface {
	Status() botdto.Status
}

type subscriber struct {
	ch chan botdto.Event
}

// Hub fans events out to websocket observers. Slow observers lose events
// rather than stall the bot.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	history []botdto.Event
	logger  *zap.Logger
	now     func() time.Time
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger, now: time.Now}
}

// Publish never blocks.
func (h *Hub) Publish(ev botdto.Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, ev)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.logger.Debug("monitor_drop", zap.String("kind", ev.Kind), zap.String("game_id", ev.GameID))
		}
	}
}

// Subscribers counts connected observers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() (*subscriber, []botdto.Event) {
	s := &subscriber{ch: make(chan botdto.Event, subscriberBacklog)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	return s, append([]botdto.Event(nil), h.history...)
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Handler routes /ws to the event feed and /status to the snapshot.
func (h *Hub) Handler(status StatusSource) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var snap botdto.Status
		if status != nil {
			snap = status.Status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	return mux
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		h.logger.Warn("monitor_accept_failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sub, backlog := h.subscribe()
	defer h.unsubscribe(sub)
	h.logger.Info("monitor_subscribed", zap.String("remote", r.RemoteAddr))

	// observers never send; CloseRead handles their pings and close frame
	ctx := conn.CloseRead(r.Context())

	for _, ev := range backlog {
		if err := h.write(ctx, conn, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-sub.ch:
			if err := h.write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev botdto.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(wctx, conn, ev)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("monitor_write_failed", zap.Error(err))
	}
	return err
}

// Serve listens on addr until ctx ends.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("monitor_listen", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
