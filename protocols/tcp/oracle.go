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
	tnsConnect  = 0x01
	tnsRefuse   = 0x04
	tnsMaxFrame = 16 * 1024
)

// tnsFrame reads one TNS packet: big-endian length (header included),
// checksum, type, flags, header checksum, then the payload.
func tnsFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[0:2]))
	if length < 8 || length > tnsMaxFrame {
		return nil, fmt.Errorf("%w: tns length %d", fsm.ErrBadFrame, length)
	}
	frame := make([]byte, length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[8:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func tnsRefusePacket(reason string) []byte {
	out := make([]byte, 12+len(reason))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(out)))
	out[4] = tnsRefuse
	out[8] = 0x22 // user refuse reason
	out[9] = 0x00
	binary.BigEndian.PutUint16(out[10:12], uint16(len(reason)))
	copy(out[12:], reason)
	return out
}

// HandleOracle emulates a TNS listener that refuses every connect request.
// The connect descriptor names the service the scanner is after, which is
// worth capturing on its own.
func HandleOracle(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close oracle connection", slog.String("protocol", "oracle"), producer.ErrAttr(err))
		}
	}()

	version := bannerOr(md, "314294769") // VSNNUM for 18.3

	m := fsm.Machine{
		Initial: "await-connect",
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			if frame[4] != tnsConnect {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{
					"type":         fmt.Sprintf("0x%02x", frame[4]),
					"payload_hash": helpers.HashData(frame),
				}), Close: true}
			}
			descriptor := ""
			if idx := bytes.Index(frame, []byte("(DESCRIPTION")); idx >= 0 {
				descriptor = string(frame[idx:])
			}
			ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
				"command":      "CONNECT",
				"connect_data": descriptor,
			})
			reason := fmt.Sprintf("(DESCRIPTION=(VSNNUM=%s)(ERR=12514)(ERROR_STACK=(ERROR=(CODE=12514)(EMFI=4))))", version)
			return fsm.Step{Reply: tnsRefusePacket(reason), Event: &ev, Close: true}
		},
	}
	return fsm.RunFrames(ctx, conn, m, tnsFrame, h)
}
