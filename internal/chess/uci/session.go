package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout = 4 * time.Second
	stopGrace           = time.Second
	lineBuffer          = 256
)

var (
	// ErrNoBestMove means the engine answered "bestmove (none)".
	ErrNoBestMove = errors.New("engine has no move in this position")
	// ErrEngineExited means the engine's stdout closed.
	ErrEngineExited = errors.New("engine process exited")
)

type Options struct {
	Threads    int
	HashMB     int
	SkillLevel int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
	NodeCap        int
}

type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	done   chan struct{}
	logger *zap.Logger

	mu        sync.Mutex
	search    sync.Mutex
	closeOnce sync.Once
	closeErr  error
	onClose   func(*Session)
}

// NewSession starts the engine binary and completes the uci/isready handshake.
// ctx bounds the handshake only; the process lives until Close.
func NewSession(ctx context.Context, binaryPath string, opt Options, logger *zap.Logger) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &Session{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, lineBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.readLoop(stdoutPipe)

	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type SearchRequest struct {
	FEN    string
	Moves  []string
	Limits Limits
}

type SearchResponse struct {
	BestMove string
	Ponder   string
	EvalCP   int
	Depth    int
}

// Search sends position and go, then waits for bestmove. Only one search
// runs at a time per session.
func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	s.drain()

	goTokens, err := buildGoTokens(req.Limits)
	if err != nil {
		return SearchResponse{}, err
	}
	positionCmd := buildPositionCommand(req.FEN, req.Moves)
	if err := s.send(positionCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("send position: %w", err)
	}
	goCmd := strings.Join(goTokens, " ")
	if err := s.send(goCmd + "\n"); err != nil {
		return SearchResponse{}, fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, computeSearchTimeout(req.Limits))
	defer cancel()

	var resp SearchResponse
	for {
		line, err := s.readLine(searchCtx)
		if err != nil {
			s.logger.Warn("engine_search_abort",
				zap.String("position", strings.TrimSpace(positionCmd)),
				zap.String("go", goCmd),
				zap.Error(err))
			if !errors.Is(err, ErrEngineExited) {
				s.stop()
			}
			return SearchResponse{}, fmt.Errorf("read line: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "info "):
			parseInfo(line, &resp)
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			if len(parts) < 2 || parts[0] != "bestmove" {
				continue
			}
			if parts[1] == "(none)" || parts[1] == "0000" {
				return SearchResponse{}, ErrNoBestMove
			}
			resp.BestMove = parts[1]
			if len(parts) >= 4 && parts[2] == "ponder" {
				resp.Ponder = parts[3]
			}
			return resp, nil
		}
	}
}

// NewGame resets engine state between games.
func (s *Session) NewGame(ctx context.Context) error {
	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}
	return s.EnsureReady(ctx)
}

func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// Close terminates the engine process. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.stdin != nil {
			_, _ = io.WriteString(s.stdin, "quit\n")
			s.stdin.Close()
		}
		s.mu.Unlock()

		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if s.cmd != nil {
			if err := s.cmd.Wait(); err != nil && !isKilled(err) {
				s.closeErr = err
			}
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return s.closeErr
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	if err := s.applyOptions(opt); err != nil {
		return err
	}
	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) applyOptions(opt Options) error {
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB),
		fmt.Sprintf("setoption name Skill Level value %d\n", opt.SkillLevel),
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

// stop interrupts a running search and swallows its bestmove so the next
// search does not pick it up.
func (s *Session) stop() {
	if err := s.send("stop\n"); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	_ = s.awaitToken(ctx, "bestmove")
}

func (s *Session) drain() {
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return
			}
			s.logger.Debug("engine_stale_line", zap.String("line", line))
		default:
			return
		}
	}
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debug("engine_in", zap.String("line", strings.TrimSpace(msg)))
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, token) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", ErrEngineExited
		}
		return line, nil
	}
}

func (s *Session) readLoop(r io.Reader) {
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("engine_out", zap.String("line", line))
		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func validateOptions(opt Options) error {
	if opt.SkillLevel < 0 || opt.SkillLevel > 20 {
		return fmt.Errorf("skill level %d out of range 0-20", opt.SkillLevel)
	}
	if opt.HashMB <= 0 {
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	return nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if l.NodeCap > 0 {
		args = append(args, "nodes", strconv.Itoa(l.NodeCap))
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("no search limits specified")
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		ms := l.MoveTimeMillis + 2000
		return time.Duration(ms) * time.Millisecond * 3
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 2 * time.Second
		if base < 10*time.Second {
			base = 10 * time.Second
		}
		if base > 60*time.Second {
			base = 60 * time.Second
		}
		return base
	}
	return 10 * time.Second
}

// parseInfo keeps the latest depth and centipawn score for logging.
func parseInfo(line string, resp *SearchResponse) {
	parts := strings.Fields(line)
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					resp.Depth = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				v, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						resp.EvalCP = v
					case "mate":
						const mateValue = 30000
						if v >= 0 {
							resp.EvalCP = mateValue
						} else {
							resp.EvalCP = -mateValue
						}
					}
				}
				i += 2
			}
		case "pv":
			return
		}
	}
}

func isKilled(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}
