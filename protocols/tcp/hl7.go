package tcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

const (
	mllpStart = 0x0b
	mllpEnd   = 0x1c
	mllpCR    = 0x0d
)

// mllpFrame reads one MLLP-wrapped HL7 message: VT, payload, FS, CR.
func mllpFrame(r io.Reader) ([]byte, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	start, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	if start != mllpStart {
		return nil, fmt.Errorf("%w: expected MLLP start byte, got 0x%02x", fsm.ErrBadFrame, start)
	}
	payload, err := br.ReadBytes(mllpEnd)
	if err != nil {
		return nil, err
	}
	if cr, err := br.ReadByte(); err != nil || cr != mllpCR {
		return nil, fmt.Errorf("%w: missing trailing CR", fsm.ErrBadFrame)
	}
	return payload[:len(payload)-1], nil
}

// hl7MSH holds the header fields worth capturing.
type hl7MSH struct {
	sendingApp        string
	sendingFacility   string
	receivingApp      string
	receivingFacility string
	messageType       string
	controlID         string
	version           string
}

func parseMSH(message []byte) (hl7MSH, bool) {
	segments := bytes.FieldsFunc(message, func(r rune) bool { return r == '\r' || r == '\n' })
	if len(segments) == 0 {
		return hl7MSH{}, false
	}
	fields := strings.Split(string(segments[0]), "|")
	if len(fields) < 10 || fields[0] != "MSH" {
		return hl7MSH{}, false
	}
	msh := hl7MSH{
		sendingApp:        fields[2],
		sendingFacility:   fields[3],
		receivingApp:      fields[4],
		receivingFacility: fields[5],
		messageType:       fields[8],
		controlID:         fields[9],
	}
	if len(fields) > 11 {
		msh.version = fields[11]
	}
	return msh, true
}

// HandleHL7 plays an HL7 interface engine: each MLLP-framed message is
// captured and acknowledged with an application-accept ACK so the sender
// keeps talking.
func HandleHL7(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close HL7 connection", slog.String("protocol", "hl7"), producer.ErrAttr(err))
		}
	}()

	facility := bannerOr(md, "HIS")

	m := fsm.Machine{
		Initial: "await-message",
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			msh, ok := parseMSH(frame)
			if !ok {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload": string(frame)}), Close: true}
			}
			ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
				"command":          msh.messageType,
				"control_id":       msh.controlID,
				"sending_app":      msh.sendingApp,
				"sending_facility": msh.sendingFacility,
				"version":          msh.version,
			})

			version := msh.version
			if version == "" {
				version = "2.5"
			}
			ack := fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ACK|%s|P|%s\rMSA|AA|%s\r",
				msh.receivingApp, facility, msh.sendingApp, msh.sendingFacility,
				time.Now().Format("20060102150405"), msh.controlID, version, msh.controlID)
			reply := append([]byte{mllpStart}, []byte(ack)...)
			reply = append(reply, mllpEnd, mllpCR)
			return fsm.Step{Next: state, Reply: reply, Event: &ev}
		},
	}
	return fsm.RunFrames(ctx, conn, m, mllpFrame, h)
}
