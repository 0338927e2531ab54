// Package fsm is the shared handshake state-machine base. Each protocol
// handler declares its states and a transition function; the drivers here
// own the read loop, the deadline refresh and the capture plumbing, so the
// per-protocol files stay small and never touch a socket error path
// directly.
package fsm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// State names one node of a handshake machine.
type State string

// ErrBadFrame is returned by a FrameReader when the wire bytes cannot be a
// frame of the protocol. The driver turns it into a malformed-input capture
// instead of letting it escape.
var ErrBadFrame = errors.New("malformed protocol frame")

// Step is the result of consuming one input unit.
type Step struct {
	Next  State
	Reply []byte
	// Event, when set, is emitted before the reply is written.
	Event *event.Capture
	// Close marks a terminal state; the driver stops after writing Reply.
	Close bool
}

// Machine is a protocol handshake. Transition must be total: any input in
// any state yields a Step, never a panic. Malformed and Abandoned are
// optional hooks for the two abnormal endings.
type Machine struct {
	Initial    State
	Greeting   []byte
	Transition func(state State, input []byte) Step
	// Malformed reports what was captured before framing broke down.
	Malformed func() *event.Capture
	// Abandoned reports partial capture when the peer goes away. Returning
	// nil means nothing was captured and no event is due.
	Abandoned func() *event.Capture
}

func (m Machine) abandoned(h interfaces.Honeypot) {
	if m.Abandoned == nil {
		return
	}
	if ev := m.Abandoned(); ev != nil {
		h.Emit(*ev)
	}
}

func (m Machine) malformed(h interfaces.Honeypot) {
	if m.Malformed == nil {
		return
	}
	if ev := m.Malformed(); ev != nil {
		h.Emit(*ev)
	}
}

// RunLines drives a line-oriented machine: one transition per received
// line, CR/LF stripped. Read errors and timeouts end the handshake with the
// abandoned hook; they are never returned to the listener as faults.
func RunLines(ctx context.Context, conn net.Conn, m Machine, h interfaces.Honeypot) error {
	if len(m.Greeting) > 0 {
		if _, err := conn.Write(m.Greeting); err != nil {
			return nil
		}
	}
	state := m.Initial
	r := bufio.NewReader(conn)
	for {
		// a deadline that cannot be refreshed means the peer is gone, the
		// same ending as a failed read
		if err := h.UpdateConnectionTimeout(ctx, conn); err != nil {
			m.abandoned(h)
			return nil
		}
		line, err := r.ReadString('\n')
		if err != nil {
			m.abandoned(h)
			return nil
		}
		step := m.Transition(state, []byte(strings.TrimRight(line, "\r\n")))
		if step.Event != nil {
			h.Emit(*step.Event)
		}
		if len(step.Reply) > 0 {
			if _, err := conn.Write(step.Reply); err != nil {
				return nil
			}
		}
		if step.Close {
			return nil
		}
		state = step.Next
	}
}

// FrameReader reads exactly one protocol frame, returning ErrBadFrame
// (possibly wrapped) when the bytes cannot be valid framing.
type FrameReader func(r io.Reader) ([]byte, error)

// RunFrames drives a length-framed binary machine: one transition per
// complete frame. A bad frame ends the handshake through the malformed
// hook, a vanished peer through the abandoned hook.
func RunFrames(ctx context.Context, conn net.Conn, m Machine, read FrameReader, h interfaces.Honeypot) error {
	if len(m.Greeting) > 0 {
		if _, err := conn.Write(m.Greeting); err != nil {
			return nil
		}
	}
	state := m.Initial
	r := bufio.NewReader(conn)
	for {
		if err := h.UpdateConnectionTimeout(ctx, conn); err != nil {
			m.abandoned(h)
			return nil
		}
		frame, err := read(r)
		if err != nil {
			if errors.Is(err, ErrBadFrame) {
				m.malformed(h)
			} else {
				m.abandoned(h)
			}
			return nil
		}
		step := m.Transition(state, frame)
		if step.Event != nil {
			h.Emit(*step.Event)
		}
		if len(step.Reply) > 0 {
			if _, err := conn.Write(step.Reply); err != nil {
				return nil
			}
		}
		if step.Close {
			return nil
		}
		state = step.Next
	}
}

// RunDatagram drives a machine over a single datagram: exactly one
// transition from the initial state. The reply, if any, goes back to the
// source address.
func RunDatagram(m Machine, payload []byte, h interfaces.Honeypot) []byte {
	step := m.Transition(m.Initial, payload)
	if step.Event != nil {
		h.Emit(*step.Event)
	}
	return step.Reply
}
