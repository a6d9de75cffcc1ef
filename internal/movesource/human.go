package movesource

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// LineReader is satisfied by *readline.Instance.
type LineReader interface {
	Readline() (string, error)
}

type prompter interface {
	SetPrompt(string)
}

type readResult struct {
	line string
	err  error
}

// Console serializes terminal input between games. A read abandoned by a
// cancelled request stays pending and feeds the next prompt, so the reader is
// never used from two goroutines.
type Console struct {
	mu       sync.Mutex
	in       LineReader
	out      io.Writer
	inflight chan readResult
	closer   io.Closer
}

func NewConsole(in LineReader, out io.Writer) *Console {
	c := &Console{in: in, out: out}
	if cl, ok := in.(io.Closer); ok {
		c.closer = cl
	}
	return c
}

// NewTerminal opens a readline console on the process terminal.
func NewTerminal(historyFile string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}
	return NewConsole(rl, rl.Stdout()), nil
}

// ReadLine shows prompt and waits for one line of input or ctx.
func (c *Console) ReadLine(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.in.(prompter); ok {
		p.SetPrompt(prompt)
	} else if c.out != nil {
		fmt.Fprint(c.out, prompt)
	}

	if c.inflight == nil {
		ch := make(chan readResult, 1)
		c.inflight = ch
		go func() {
			line, err := c.in.Readline()
			ch <- readResult{line: line, err: err}
		}()
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-c.inflight:
		c.inflight = nil
		return r.line, r.err
	}
}

func (c *Console) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Human reads moves typed at the console. Input is passed through as typed;
// the server judges legality.
type Human struct {
	console *Console
	closed  bool
	mu      sync.Mutex
}

func NewHuman(c *Console) *Human {
	return &Human{console: c}
}

func (h *Human) Move(ctx context.Context, req Request) (string, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	line, err := h.console.ReadLine(ctx, humanPrompt(req))
	if err != nil {
		return "", fmt.Errorf("read move: %w", err)
	}
	move := strings.TrimSpace(line)
	if move == "" {
		return "", ErrNoMove
	}
	return move, nil
}

// Close marks this game's source closed. The console is shared and stays open.
func (h *Human) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func humanPrompt(req Request) string {
	side := "white"
	if f := strings.Fields(req.FEN); len(f) > 1 && f[1] == "b" {
		side = "black"
	}
	return fmt.Sprintf("[%s %s, move %d] your move: ", req.GameID, side, len(req.Moves)/2+1)
}

// HumanFactory hands every game the same console.
func HumanFactory(c *Console) Factory {
	return func(_ context.Context, _ string) (Source, error) {
		return NewHuman(c), nil
	}
}
