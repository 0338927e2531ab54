package interfaces

import (
	"context"
	"net"

	"github.com/lurepot/lurepot/event"
)

type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// Honeypot is the slice of the engine a protocol handler is allowed to see.
type Honeypot interface {
	// Emit hands a capture to the event sink. It never blocks the handler.
	Emit(ev event.Capture)
	// UpdateConnectionTimeout pushes the connection deadline forward so a
	// handler read can never outlive the listener's idle budget.
	UpdateConnectionTimeout(ctx context.Context, conn net.Conn) error
}
