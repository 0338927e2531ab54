package tcp

import (
	"bytes"
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
	"github.com/lurepot/lurepot/protocols/helpers"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

const (
	pgSSLRequestCode = 80877103
	pgProtocolV3     = 196608
	pgMaxMessage     = 64 * 1024
)

// pgFrameReader returns a FrameReader for the PostgreSQL wire protocol.
// Startup-phase messages are untyped (length first); once the startup packet
// has been seen every message carries a leading type byte. The reader flips
// format after the transition reports the startup as consumed.
func pgFrameReader(startupDone *bool) fsm.FrameReader {
	return func(r io.Reader) ([]byte, error) {
		if !*startupDone {
			lenBuf := make([]byte, 4)
			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return nil, err
			}
			length := int(binary.BigEndian.Uint32(lenBuf))
			if length < 8 || length > pgMaxMessage {
				return nil, fmt.Errorf("%w: startup length %d", fsm.ErrBadFrame, length)
			}
			body := make([]byte, length-4)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, err
			}
			return body, nil
		}
		header := make([]byte, 5)
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, err
		}
		length := int(binary.BigEndian.Uint32(header[1:5]))
		if length < 4 || length > pgMaxMessage {
			return nil, fmt.Errorf("%w: message length %d", fsm.ErrBadFrame, length)
		}
		frame := make([]byte, 1+length-4)
		frame[0] = header[0]
		if _, err := io.ReadFull(r, frame[1:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

// pgStartupParams decodes the key/value pairs that follow the protocol
// version in a startup packet.
func pgStartupParams(body []byte) map[string]string {
	params := map[string]string{}
	parts := bytes.Split(body, []byte{0x00})
	for i := 0; i+1 < len(parts); i += 2 {
		if len(parts[i]) == 0 {
			break
		}
		params[string(parts[i])] = string(parts[i+1])
	}
	return params
}

func pgErrorResponse(message string) []byte {
	fields := &bytes.Buffer{}
	for _, f := range [][2]string{
		{"S", "FATAL"}, {"V", "FATAL"}, {"C", "28P01"}, {"M", message},
	} {
		fields.WriteString(f[0])
		fields.WriteString(f[1])
		fields.WriteByte(0x00)
	}
	fields.WriteByte(0x00)

	out := &bytes.Buffer{}
	out.WriteByte('E')
	binary.Write(out, binary.BigEndian, uint32(4+fields.Len()))
	out.Write(fields.Bytes())
	return out.Bytes()
}

// HandlePostgres emulates the v3 startup flow. SSLRequest is declined,
// cleartext password auth is demanded, and the password message is captured
// before the login is rejected or faked.
func HandlePostgres(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close postgres connection", slog.String("protocol", "postgres"), producer.ErrAttr(err))
		}
	}()

	const (
		stateStartup  fsm.State = "await-startup"
		statePassword fsm.State = "await-password"
	)

	var (
		startupDone bool
		username    string
	)

	// AuthenticationCleartextPassword
	authRequest := []byte{'R', 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x03}

	m := fsm.Machine{
		Initial: stateStartup,
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Abandoned: func() *event.Capture {
			if username == "" {
				return nil
			}
			return abandonedEvent(conn, md, map[string]string{"username": username})
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			switch state {
			case stateStartup:
				if len(frame) < 4 {
					return fsm.Step{Event: malformedEvent(conn, md, nil), Close: true}
				}
				code := binary.BigEndian.Uint32(frame[:4])
				if code == pgSSLRequestCode {
					// decline TLS, the client retries in the clear
					return fsm.Step{Next: stateStartup, Reply: []byte{'N'}}
				}
				if code != pgProtocolV3 {
					return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
				}
				params := pgStartupParams(frame[4:])
				username = params["user"]
				startupDone = true
				return fsm.Step{Next: statePassword, Reply: authRequest}

			case statePassword:
				if frame[0] != 'p' {
					return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"type": string(frame[0])}), Close: true}
				}
				password := string(bytes.TrimRight(frame[1:], "\x00"))
				ev := credentialEvent(conn, md, username, password)
				if md.Instance.MatchesLogin(username, password) {
					// AuthenticationOk then ReadyForQuery; the session is
					// never actually usable
					ok := []byte{'R', 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}
					ready := []byte{'Z', 0x00, 0x00, 0x00, 0x05, 'I'}
					return fsm.Step{Reply: append(ok, ready...), Event: ev, Close: true}
				}
				reply := pgErrorResponse(fmt.Sprintf("password authentication failed for user %q", username))
				return fsm.Step{Reply: reply, Event: ev, Close: true}
			}
			return fsm.Step{Close: true}
		},
	}
	return fsm.RunFrames(ctx, conn, m, pgFrameReader(&startupDone), h)
}
