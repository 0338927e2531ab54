package tcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/helpers"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

const ldapMaxMessage = 16 * 1024

// berElement is one TLV pulled off a BER stream. Only what a simple-bind
// request needs is implemented: definite lengths up to two bytes.
type berElement struct {
	tag   byte
	value []byte
}

func berNext(buf []byte) (berElement, []byte, error) {
	if len(buf) < 2 {
		return berElement{}, nil, fmt.Errorf("%w: truncated element", fsm.ErrBadFrame)
	}
	tag := buf[0]
	length := int(buf[1])
	rest := buf[2:]
	if length&0x80 != 0 {
		n := length & 0x7f
		if n == 0 || n > 2 || len(rest) < n {
			return berElement{}, nil, fmt.Errorf("%w: unsupported length form", fsm.ErrBadFrame)
		}
		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(rest[i])
		}
		rest = rest[n:]
	}
	if length > len(rest) {
		return berElement{}, nil, fmt.Errorf("%w: element overruns message", fsm.ErrBadFrame)
	}
	return berElement{tag: tag, value: rest[:length]}, rest[length:], nil
}

// ldapFrame reads one LDAPMessage: outer SEQUENCE header first, then the
// body, so the transition gets a complete message.
func ldapFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if head[0] != 0x30 {
		return nil, fmt.Errorf("%w: not an LDAP message", fsm.ErrBadFrame)
	}
	length := int(head[1])
	prefix := []byte{}
	if length&0x80 != 0 {
		n := length & 0x7f
		if n == 0 || n > 2 {
			return nil, fmt.Errorf("%w: unsupported length form", fsm.ErrBadFrame)
		}
		prefix = make([]byte, n)
		if _, err := io.ReadFull(r, prefix); err != nil {
			return nil, err
		}
		length = 0
		for _, b := range prefix {
			length = length<<8 | int(b)
		}
	}
	if length > ldapMaxMessage {
		return nil, fmt.Errorf("%w: message length %d", fsm.ErrBadFrame, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	frame := append([]byte{head[0], head[1]}, prefix...)
	return append(frame, body...), nil
}

// ldapBindResponse encodes a BindResponse with the given result code and an
// empty matchedDN and diagnosticMessage.
func ldapBindResponse(messageID byte, resultCode byte) []byte {
	return []byte{
		0x30, 0x0c,
		0x02, 0x01, messageID,
		0x61, 0x07,
		0x0a, 0x01, resultCode,
		0x04, 0x00,
		0x04, 0x00,
	}
}

// HandleLDAP answers simple binds. The bind DN and password are captured;
// anything but the configured pair gets invalidCredentials (49).
func HandleLDAP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close LDAP connection", slog.String("protocol", "ldap"), producer.ErrAttr(err))
		}
	}()

	attempts := 0

	m := fsm.Machine{
		Initial: "await-bind",
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			msg, _, err := berNext(frame)
			if err != nil || msg.tag != 0x30 {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
			}
			msgID, rest, err := berNext(msg.value)
			if err != nil || msgID.tag != 0x02 || len(msgID.value) == 0 {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
			}
			id := msgID.value[len(msgID.value)-1]

			op, _, err := berNext(rest)
			if err != nil {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
			}
			// [APPLICATION 0] BindRequest; unbind (0x42) and everything else
			// end the session quietly
			if op.tag != 0x60 {
				if op.tag == 0x42 {
					return fsm.Step{Close: true}
				}
				ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
					"command": fmt.Sprintf("op-0x%02x", op.tag),
				})
				// operationsError on anything before a successful bind
				return fsm.Step{Next: "await-bind", Reply: ldapBindResponse(id, 1), Event: &ev}
			}

			_, afterVersion, err := berNext(op.value) // version INTEGER
			if err != nil {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
			}
			name, afterName, err := berNext(afterVersion)
			if err != nil || name.tag != 0x04 {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
			}
			auth, _, err := berNext(afterName)
			if err != nil || auth.tag != 0x80 { // [0] simple
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
			}

			username, password := string(name.value), string(auth.value)
			ev := credentialEvent(conn, md, username, password)
			attempts++
			if md.Instance.MatchesLogin(username, password) {
				return fsm.Step{Next: "await-bind", Reply: ldapBindResponse(id, 0), Event: ev}
			}
			if attempts >= md.Instance.MaxRetries {
				return fsm.Step{Reply: ldapBindResponse(id, 49), Event: ev, Close: true}
			}
			return fsm.Step{Next: "await-bind", Reply: ldapBindResponse(id, 49), Event: ev}
		},
	}
	return fsm.RunFrames(ctx, conn, m, ldapFrame, h)
}
