package notifier

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"GapSentinel/internal/model"
)

// Transport delivers one alert.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, rec model.AlertRecord) error
}

// ConsoleTransport prints an alert banner.
type ConsoleTransport struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleTransport(w io.Writer) *ConsoleTransport { return &ConsoleTransport{w: w} }

func (c *ConsoleTransport) Name() string { return "console" }

func (c *ConsoleTransport) Deliver(_ context.Context, rec model.AlertRecord) error {
	rule := strings.Repeat("=", 60)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "\n%s\n🚨 TRADING ALERT 🚨\n%s\n%s\n%s\n\n", rule, rule, FormatAlertPlain(rec), rule)
	return err
}

// BellTransport rings the terminal bell: once for bullish, twice for
// bearish.
type BellTransport struct {
	w io.Writer
}

func NewBellTransport(w io.Writer) *BellTransport { return &BellTransport{w: w} }

func (b *BellTransport) Name() string { return "bell" }

func (b *BellTransport) Deliver(_ context.Context, rec model.AlertRecord) error {
	bell := "\a"
	if rec.Direction == model.Bearish {
		bell = "\a\a"
	}
	_, err := io.WriteString(b.w, bell)
	return err
}
