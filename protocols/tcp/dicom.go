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

const (
	dicomAssociateRQ = 0x01
	dicomAssociateRJ = 0x03
	dicomReleaseRQ   = 0x05
	dicomMaxPDU      = 64 * 1024
)

// dicomFrame reads one PDU: type, reserved, big-endian 32-bit length.
func dicomFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(header[2:6]))
	if length == 0 || length > dicomMaxPDU {
		return nil, fmt.Errorf("%w: pdu length %d", fsm.ErrBadFrame, length)
	}
	frame := make([]byte, 6+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[6:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// dicomReject is an A-ASSOCIATE-RJ: rejected-permanent, DICOM UL
// service-user, no-reason-given.
var dicomReject = []byte{dicomAssociateRJ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x01, 0x01, 0x01}

// HandleDICOM captures association requests from a fake PACS node. The
// called and calling AE titles identify both the scanner's tooling and the
// system it thinks it is talking to; the association is always rejected.
func HandleDICOM(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close DICOM connection", slog.String("protocol", "dicom"), producer.ErrAttr(err))
		}
	}()

	m := fsm.Machine{
		Initial: "await-associate",
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			body := frame[6:]
			switch frame[0] {
			case dicomAssociateRQ:
				// protocol version(2) reserved(2) called AE(16) calling AE(16)
				if len(body) < 36 {
					return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(body)}), Close: true}
				}
				ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
					"command":    "A-ASSOCIATE-RQ",
					"called_ae":  strings.TrimSpace(string(body[4:20])),
					"calling_ae": strings.TrimSpace(string(body[20:36])),
				})
				return fsm.Step{Reply: dicomReject, Event: &ev, Close: true}
			case dicomReleaseRQ:
				return fsm.Step{Close: true}
			default:
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{
					"type":         fmt.Sprintf("0x%02x", frame[0]),
					"payload_hash": helpers.HashData(body),
				}), Close: true}
			}
		},
	}
	return fsm.RunFrames(ctx, conn, m, dicomFrame, h)
}
