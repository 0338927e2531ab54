package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/helpers"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

const tpktMaxFrame = 16 * 1024

// tpktFrame reads one TPKT-encapsulated TPDU: version 3, reserved byte,
// big-endian length including the 4-byte header.
func tpktFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 0x03 {
		return nil, fmt.Errorf("%w: tpkt version 0x%02x", fsm.ErrBadFrame, header[0])
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < 7 || length > tpktMaxFrame {
		return nil, fmt.Errorf("%w: tpkt length %d", fsm.ErrBadFrame, length)
	}
	frame := make([]byte, length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// rdpConnectionConfirm is a TPKT + X.224 CC with an RDP negotiation response
// selecting standard RDP security.
var rdpConnectionConfirm = []byte{
	0x03, 0x00, 0x00, 0x13,
	0x0e, 0xd0, 0x00, 0x00, 0x12, 0x34, 0x00,
	0x02, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// HandleRDP answers the X.224 connection request. The mstshash cookie is the
// valuable part: scanners put the account they will try in it.
func HandleRDP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close RDP connection", slog.String("protocol", "rdp"), producer.ErrAttr(err))
		}
	}()

	m := fsm.Machine{
		Initial: "await-connect",
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Abandoned: func() *event.Capture {
			return abandonedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			body := frame[4:]
			// X.224 Connection Request: length indicator then 0xE0
			if len(body) < 7 || body[1] != 0xe0 {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(body)}), Close: true}
			}
			fields := map[string]string{}
			raw := string(body)
			if idx := strings.Index(raw, "Cookie: mstshash="); idx >= 0 {
				cookie := raw[idx+len("Cookie: mstshash="):]
				if end := strings.IndexAny(cookie, "\r\n"); end >= 0 {
					cookie = cookie[:end]
				}
				fields["username"] = cookie
			}
			outcome := event.OutcomeCommand
			if _, ok := fields["username"]; ok {
				outcome = event.OutcomeCredentials
			} else {
				fields["command"] = "X.224 Connection Request"
			}
			ev := event.New(protoName(md), conn.RemoteAddr(), outcome, fields)
			// confirm, then let the TLS upgrade the client expects never come
			return fsm.Step{Reply: rdpConnectionConfirm, Event: &ev, Close: true}
		},
	}
	return fsm.RunFrames(ctx, conn, m, tpktFrame, h)
}
