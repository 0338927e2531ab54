// Package mocks holds recording fakes for handler tests.
package mocks

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lurepot/lurepot/event"
)

// Honeypot records emitted captures and refreshes deadlines like the real
// supervisor does.
type Honeypot struct {
	Timeout time.Duration

	mtx    sync.Mutex
	events []event.Capture
}

func NewHoneypot() *Honeypot {
	return &Honeypot{Timeout: 5 * time.Second}
}

func (h *Honeypot) Emit(ev event.Capture) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.events = append(h.events, ev)
}

func (h *Honeypot) UpdateConnectionTimeout(ctx context.Context, conn net.Conn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conn != nil {
		return conn.SetDeadline(time.Now().Add(h.Timeout))
	}
	return nil
}

// Events returns a snapshot of everything emitted so far.
func (h *Honeypot) Events() []event.Capture {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	out := make([]event.Capture, len(h.events))
	copy(out, h.events)
	return out
}

// ByOutcome filters recorded captures.
func (h *Honeypot) ByOutcome(outcome event.Outcome) []event.Capture {
	var out []event.Capture
	for _, ev := range h.Events() {
		if ev.Outcome == outcome {
			out = append(out, ev)
		}
	}
	return out
}

// Logger returns a quiet logger for handler tests.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
