package msgcat

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Notifier prints rendered notices to the operator's console and mirrors
// them into the log. A nil Notifier discards everything.
type Notifier struct {
	cat    *Catalog
	out    io.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

func NewNotifier(cat *Catalog, out io.Writer, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	return &Notifier{cat: cat, out: out, logger: logger}
}

// Say renders key and prints it. A missing template prints the key itself.
func (n *Notifier) Say(key string, data map[string]any) {
	if n == nil {
		return
	}
	text, err := n.cat.Render(key, data)
	if err != nil {
		n.logger.Warn("notice_render_failed", zap.String("key", key), zap.Error(err))
		text = key
	}
	n.logger.Info("notice", zap.String("key", key), zap.String("text", text))
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.out, text)
}

// Status prints the notice for a terminal game status.
func (n *Notifier) Status(status string, data map[string]any) {
	if n == nil {
		return
	}
	key := "status." + status
	if !n.cat.Has(key) {
		key = "status.unknown"
	}
	if data == nil {
		data = map[string]any{}
	}
	data["Status"] = status
	n.Say(key, data)
}
