package fsm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func TestRunLines(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()

	m := Machine{
		Initial:  "await-name",
		Greeting: []byte("hello\r\n"),
		Transition: func(state State, input []byte) Step {
			switch state {
			case "await-name":
				ev := event.New("test", server.RemoteAddr(), event.OutcomeCommand, map[string]string{"command": string(input)})
				return Step{Next: "await-quit", Reply: []byte("ok\r\n"), Event: &ev}
			default:
				return Step{Reply: []byte("bye\r\n"), Close: true}
			}
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- RunLines(context.Background(), server, m, h)
	}()

	r := bufio.NewReader(client)
	greeting, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\r\n", greeting)

	fmt.Fprintf(client, "alice\r\n")
	reply, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ok\r\n", reply)

	fmt.Fprintf(client, "quit\r\n")
	reply, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "bye\r\n", reply)

	require.NoError(t, <-done)
	events := h.Events()
	require.Len(t, events, 1)
	require.Equal(t, "alice", events[0].Fields["command"])
}

func TestRunLinesAbandoned(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()

	abandoned := event.New("test", server.RemoteAddr(), event.OutcomeAbandoned, nil)
	m := Machine{
		Initial: "await-anything",
		Transition: func(state State, input []byte) Step {
			return Step{Next: state}
		},
		Abandoned: func() *event.Capture { return &abandoned },
	}

	done := make(chan error, 1)
	go func() {
		done <- RunLines(context.Background(), server, m, h)
	}()
	require.NoError(t, client.Close())

	require.NoError(t, <-done)
	require.Len(t, h.ByOutcome(event.OutcomeAbandoned), 1)
}

func TestRunLinesPeerGoneBeforeFirstRead(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	require.NoError(t, client.Close())

	abandoned := event.New("test", server.RemoteAddr(), event.OutcomeAbandoned, nil)
	m := Machine{
		Initial: "await-anything",
		Transition: func(state State, input []byte) Step {
			return Step{Next: state}
		},
		Abandoned: func() *event.Capture { return &abandoned },
	}

	// the deadline refresh fails on the dead pipe; that ends the handshake
	// through the abandoned hook instead of surfacing an error
	require.NoError(t, RunLines(context.Background(), server, m, h))
	require.Len(t, h.ByOutcome(event.OutcomeAbandoned), 1)
}

func TestRunFramesPeerGoneBeforeFirstRead(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	require.NoError(t, client.Close())

	abandoned := event.New("test", server.RemoteAddr(), event.OutcomeAbandoned, nil)
	m := Machine{
		Initial: "await-frame",
		Transition: func(state State, input []byte) Step {
			return Step{Next: state}
		},
		Abandoned: func() *event.Capture { return &abandoned },
	}
	read := func(r io.Reader) ([]byte, error) {
		buf := make([]byte, 1)
		_, err := io.ReadFull(r, buf)
		return buf, err
	}

	require.NoError(t, RunFrames(context.Background(), server, m, read, h))
	require.Len(t, h.ByOutcome(event.OutcomeAbandoned), 1)
}

func TestRunFramesMalformed(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()

	malformed := event.New("test", server.RemoteAddr(), event.OutcomeMalformed, nil)
	m := Machine{
		Initial: "await-frame",
		Transition: func(state State, input []byte) Step {
			return Step{Next: state}
		},
		Malformed: func() *event.Capture { return &malformed },
	}
	read := func(r io.Reader) ([]byte, error) {
		buf := make([]byte, 1)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: junk", ErrBadFrame)
	}

	done := make(chan error, 1)
	go func() {
		done <- RunFrames(context.Background(), server, m, read, h)
	}()
	_, err := client.Write([]byte{0xff})
	require.NoError(t, err)

	require.NoError(t, <-done)
	require.Len(t, h.ByOutcome(event.OutcomeMalformed), 1)
}

func TestRunDatagram(t *testing.T) {
	h := mocks.NewHoneypot()
	ev := event.New("test", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 5353}, event.OutcomeCommand, nil)
	m := Machine{
		Initial: "await-packet",
		Transition: func(state State, input []byte) Step {
			return Step{Reply: append([]byte("echo:"), input...), Event: &ev}
		},
	}
	reply := RunDatagram(m, []byte("ping"), h)
	require.Equal(t, []byte("echo:ping"), reply)
	require.Len(t, h.Events(), 1)
}
