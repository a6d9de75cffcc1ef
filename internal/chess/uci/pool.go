package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

var ErrLauncherClosed = errors.New("engine launcher closed")

type LauncherConfig struct {
	BinaryPath string
	Options    Options
	Logger     *zap.Logger
}

// Launcher starts one engine process per caller and remembers every live
// process so that Close can terminate all of them. Sessions are never handed
// to a second owner.
type Launcher struct {
	binaryPath string
	opt        Options
	logger     *zap.Logger

	mu     sync.Mutex
	live   map[*Session]struct{}
	closed bool
}

func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}
	if err := validateOptions(cfg.Options); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		binaryPath: cfg.BinaryPath,
		opt:        cfg.Options,
		logger:     logger,
		live:       make(map[*Session]struct{}),
	}, nil
}

// Start launches a dedicated engine. The caller owns it and must Close it.
func (l *Launcher) Start(ctx context.Context, label string) (*Session, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLauncherClosed
	}
	l.mu.Unlock()

	session, err := NewSession(ctx, l.binaryPath, l.opt, l.logger.With(zap.String("game_id", label)))
	if err != nil {
		return nil, err
	}
	session.onClose = l.forget

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = session.Close()
		return nil, ErrLauncherClosed
	}
	l.live[session] = struct{}{}
	l.mu.Unlock()
	return session, nil
}

// Live reports how many engine processes are running.
func (l *Launcher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Close terminates every engine still running.
func (l *Launcher) Close() error {
	l.mu.Lock()
	l.closed = true
	sessions := make([]*Session, 0, len(l.live))
	for s := range l.live {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (l *Launcher) forget(s *Session) {
	l.mu.Lock()
	delete(l.live, s)
	l.mu.Unlock()
}
