package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleSOCKS5 emulates a SOCKS5 proxy that insists on username/password
// auth (RFC 1929) and then refuses every CONNECT. Both the credentials and
// the requested destination are captured.
func HandleSOCKS5(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close SOCKS5 connection", slog.String("protocol", "socks5"), producer.ErrAttr(err))
		}
	}()

	const (
		stateGreeting fsm.State = "await-greeting"
		stateAuth     fsm.State = "await-auth"
		stateRequest  fsm.State = "await-request"
	)

	phase := stateGreeting
	read := func(r io.Reader) ([]byte, error) {
		switch phase {
		case stateGreeting:
			head := make([]byte, 2)
			if _, err := io.ReadFull(r, head); err != nil {
				return nil, err
			}
			if head[0] != 0x05 {
				return nil, fmt.Errorf("%w: socks version 0x%02x", fsm.ErrBadFrame, head[0])
			}
			methods := make([]byte, int(head[1]))
			if _, err := io.ReadFull(r, methods); err != nil {
				return nil, err
			}
			return append(head, methods...), nil

		case stateAuth:
			head := make([]byte, 2)
			if _, err := io.ReadFull(r, head); err != nil {
				return nil, err
			}
			if head[0] != 0x01 {
				return nil, fmt.Errorf("%w: auth version 0x%02x", fsm.ErrBadFrame, head[0])
			}
			user := make([]byte, int(head[1]))
			if _, err := io.ReadFull(r, user); err != nil {
				return nil, err
			}
			plenBuf := make([]byte, 1)
			if _, err := io.ReadFull(r, plenBuf); err != nil {
				return nil, err
			}
			pass := make([]byte, int(plenBuf[0]))
			if _, err := io.ReadFull(r, pass); err != nil {
				return nil, err
			}
			frame := append(head, user...)
			frame = append(frame, plenBuf...)
			return append(frame, pass...), nil

		default:
			head := make([]byte, 4)
			if _, err := io.ReadFull(r, head); err != nil {
				return nil, err
			}
			if head[0] != 0x05 {
				return nil, fmt.Errorf("%w: socks version 0x%02x", fsm.ErrBadFrame, head[0])
			}
			var addr []byte
			switch head[3] {
			case 0x01:
				addr = make([]byte, 4+2)
			case 0x04:
				addr = make([]byte, 16+2)
			case 0x03:
				lenBuf := make([]byte, 1)
				if _, err := io.ReadFull(r, lenBuf); err != nil {
					return nil, err
				}
				addr = make([]byte, int(lenBuf[0])+2)
				frame := append(head, lenBuf...)
				if _, err := io.ReadFull(r, addr); err != nil {
					return nil, err
				}
				return append(frame, addr...), nil
			default:
				return nil, fmt.Errorf("%w: address type 0x%02x", fsm.ErrBadFrame, head[3])
			}
			if _, err := io.ReadFull(r, addr); err != nil {
				return nil, err
			}
			return append(head, addr...), nil
		}
	}

	m := fsm.Machine{
		Initial: stateGreeting,
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			switch state {
			case stateGreeting:
				phase = stateAuth
				// require username/password
				return fsm.Step{Next: stateAuth, Reply: []byte{0x05, 0x02}}

			case stateAuth:
				ulen := int(frame[1])
				username := string(frame[2 : 2+ulen])
				password := string(frame[3+ulen:])
				ev := credentialEvent(conn, md, username, password)
				if md.Instance.MatchesLogin(username, password) {
					phase = stateRequest
					return fsm.Step{Next: stateRequest, Reply: []byte{0x01, 0x00}, Event: ev}
				}
				return fsm.Step{Reply: []byte{0x01, 0x01}, Event: ev, Close: true}

			case stateRequest:
				dest := socksDestination(frame)
				ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
					"command":     "CONNECT",
					"destination": dest,
				})
				// connection refused by destination host
				reply := []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
				return fsm.Step{Reply: reply, Event: &ev, Close: true}
			}
			return fsm.Step{Close: true}
		},
	}
	return fsm.RunFrames(ctx, conn, m, read, h)
}

func socksDestination(frame []byte) string {
	if len(frame) < 5 {
		return ""
	}
	switch frame[3] {
	case 0x01:
		if len(frame) >= 10 {
			ip := net.IP(frame[4:8])
			port := binary.BigEndian.Uint16(frame[8:10])
			return fmt.Sprintf("%s:%d", ip, port)
		}
	case 0x04:
		if len(frame) >= 22 {
			ip := net.IP(frame[4:20])
			port := binary.BigEndian.Uint16(frame[20:22])
			return fmt.Sprintf("[%s]:%d", ip, port)
		}
	case 0x03:
		n := int(frame[4])
		if len(frame) >= 5+n+2 {
			host := string(frame[5 : 5+n])
			port := binary.BigEndian.Uint16(frame[5+n : 5+n+2])
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ""
}
