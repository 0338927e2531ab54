package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"unicode/utf16"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/helpers"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

const (
	tdsPrelogin = 0x12
	tdsLogin7   = 0x10
	tdsReply    = 0x04
	tdsMaxFrame = 32 * 1024
)

// tdsFrame reads one TDS packet: type, status, big-endian length (header
// included), spid, packet id, window. The whole frame is returned.
func tdsFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < 8 || length > tdsMaxFrame {
		return nil, fmt.Errorf("%w: tds length %d", fsm.ErrBadFrame, length)
	}
	frame := make([]byte, length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[8:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func tdsPacket(pktType byte, payload []byte) []byte {
	frame := make([]byte, 8+len(payload))
	frame[0] = pktType
	frame[1] = 0x01 // end of message
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	frame[6] = 0x01
	copy(frame[8:], payload)
	return frame
}

// tdsPreloginResponse advertises version and encryption-not-supported, which
// keeps the login packet in the clear.
func tdsPreloginResponse() []byte {
	// option table: VERSION(0), ENCRYPTION(1), terminator 0xff
	payload := []byte{
		0x00, 0x00, 0x0b, 0x00, 0x06, // VERSION at 11, len 6
		0x01, 0x00, 0x11, 0x00, 0x01, // ENCRYPTION at 17, len 1
		0xff,
		0x0f, 0x00, 0x07, 0xd0, 0x00, 0x00, // 15.0.2000.0
		0x02, // ENCRYPT_NOT_SUP
	}
	return tdsPacket(tdsReply, payload)
}

// tdsLoginError is a minimal token stream: ERROR token 18456 followed by a
// DONE token with the error flag set.
func tdsLoginError(username string) []byte {
	message := fmt.Sprintf("Login failed for user '%s'.", username)
	msg16 := utf16.Encode([]rune(message))

	payload := make([]byte, 0, 64)
	payload = append(payload, 0xaa) // ERROR token
	body := make([]byte, 0, 32)
	body = binary.LittleEndian.AppendUint32(body, 18456)
	body = append(body, 0x01, 0x0e) // state, class
	body = binary.LittleEndian.AppendUint16(body, uint16(len(msg16)))
	for _, cu := range msg16 {
		body = binary.LittleEndian.AppendUint16(body, cu)
	}
	body = append(body, 0x00)       // server name length
	body = append(body, 0x00)       // proc name length
	body = append(body, 0, 0, 0, 0) // line number
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(body)))
	payload = append(payload, body...)
	// DONE: status DONE_ERROR
	payload = append(payload, 0xfd, 0x02, 0x00, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0)
	return tdsPacket(tdsReply, payload)
}

// tdsDecodePassword reverses the Login7 obfuscation: each byte has its
// nibbles swapped and is XORed with 0xA5.
func tdsDecodePassword(raw []byte) string {
	out := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		lo := tdsDecodeByte(raw[i])
		hi := tdsDecodeByte(raw[i+1])
		out = append(out, uint16(lo)|uint16(hi)<<8)
	}
	return string(utf16.Decode(out))
}

func tdsDecodeByte(b byte) byte {
	b ^= 0xa5
	return b<<4 | b>>4
}

func tdsLoginField(body []byte, entry int) string {
	// variable-portion directory starts at byte 36 of the Login7 payload
	pos := 36 + entry*4
	if pos+4 > len(body) {
		return ""
	}
	offset := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
	count := int(binary.LittleEndian.Uint16(body[pos+2 : pos+4]))
	if offset+count*2 > len(body) {
		return ""
	}
	raw := body[offset : offset+count*2]
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	return string(utf16.Decode(out))
}

// HandleMSSQL emulates the TDS pre-login and Login7 exchange. The password
// obfuscation is reversible, so captured credentials are stored in the clear.
func HandleMSSQL(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close MSSQL connection", slog.String("protocol", "mssql"), producer.ErrAttr(err))
		}
	}()

	const (
		statePrelogin fsm.State = "await-prelogin"
		stateLogin    fsm.State = "await-login"
	)

	m := fsm.Machine{
		Initial: statePrelogin,
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Abandoned: func() *event.Capture {
			return abandonedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			body := frame[8:]
			switch frame[0] {
			case tdsPrelogin:
				return fsm.Step{Next: stateLogin, Reply: tdsPreloginResponse()}
			case tdsLogin7:
				if len(body) < 36+6*4 {
					return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(body)}), Close: true}
				}
				username := tdsLoginField(body, 2)
				// password bytes come straight from the directory so the
				// obfuscation can be undone
				pos := 36 + 3*4
				offset := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
				count := int(binary.LittleEndian.Uint16(body[pos+2 : pos+4]))
				password := ""
				if offset+count*2 <= len(body) {
					password = tdsDecodePassword(body[offset : offset+count*2])
				}
				ev := credentialEvent(conn, md, username, password)
				return fsm.Step{Reply: tdsLoginError(username), Event: ev, Close: true}
			default:
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{
					"type":         fmt.Sprintf("0x%02x", frame[0]),
					"payload_hash": helpers.HashData(body),
				}), Close: true}
			}
		},
	}
	return fsm.RunFrames(ctx, conn, m, tdsFrame, h)
}
