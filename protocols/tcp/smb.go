package tcp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
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
	"github.com/lurepot/lurepot/protocols/helpers"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

const (
	smbNegotiate    = 0x72
	smbSessionSetup = 0x73
	smbTreeConnect  = 0x75
	smbMaxFrame     = 64 * 1024
)

var smbCommandNames = map[byte]string{
	smbNegotiate:    "SMB_COM_NEGOTIATE",
	smbSessionSetup: "SMB_COM_SESSION_SETUP_ANDX",
	smbTreeConnect:  "SMB_COM_TREE_CONNECT_ANDX",
	0x2e:            "SMB_COM_READ_ANDX",
	0xa2:            "SMB_COM_NT_CREATE_ANDX",
}

// smbFrame reads one NetBIOS session-service message. The two length bytes
// allow 17 bits with the flags byte, but anything that large is garbage here.
func smbFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 0x00 && header[0] != 0x81 {
		return nil, fmt.Errorf("%w: netbios type 0x%02x", fsm.ErrBadFrame, header[0])
	}
	length := int(header[1])<<16 | int(binary.BigEndian.Uint16(header[2:4]))
	if length == 0 || length > smbMaxFrame {
		return nil, fmt.Errorf("%w: netbios length %d", fsm.ErrBadFrame, length)
	}
	frame := make([]byte, 4+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// smbHeader builds a reply header echoing the request's TID/PID/UID/MID with
// the reply flag set and the given NT status.
func smbHeader(req []byte, command byte, status uint32) []byte {
	out := make([]byte, 32)
	copy(out, "\xffSMB")
	out[4] = command
	binary.LittleEndian.PutUint32(out[5:9], status)
	out[9] = 0x88                                     // reply, case sensitive
	binary.LittleEndian.PutUint16(out[10:12], 0xc801) // flags2: unicode, NT status
	if len(req) >= 32 {
		copy(out[24:32], req[24:32]) // tid, pid, uid, mid
	}
	return out
}

func smbPacket(body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[1] = byte(len(body) >> 16)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[4:], body)
	return out
}

// smbNegotiateResponse selects NT LM 0.12 and hands out an 8-byte challenge.
// Signing is not advertised, which is what lets the setup request carry the
// hashes worth capturing.
func smbNegotiateResponse(req []byte) []byte {
	challenge := make([]byte, 8)
	rand.Read(challenge)

	params := make([]byte, 34)
	binary.LittleEndian.PutUint16(params[0:2], 0)    // dialect index
	params[2] = 0x03                                 // user security, encrypt
	binary.LittleEndian.PutUint16(params[3:5], 1)    // max mpx
	binary.LittleEndian.PutUint16(params[5:7], 1)    // max vcs
	binary.LittleEndian.PutUint32(params[7:11], 4356)
	binary.LittleEndian.PutUint32(params[11:15], 65536)
	binary.LittleEndian.PutUint32(params[15:19], 0)
	binary.LittleEndian.PutUint32(params[19:23], 0x0000e3fd) // capabilities
	binary.LittleEndian.PutUint64(params[23:31], uint64(time.Now().UnixNano()/100+116444736000000000))
	// params[31:33] timezone, params[33] challenge length
	params[33] = 8

	body := &bytes.Buffer{}
	body.Write(smbHeader(req, smbNegotiate, 0))
	body.WriteByte(17) // word count
	body.Write(params)
	body.Write([]byte{byte(len(challenge) + 1), 0x00}) // byte count
	body.Write(challenge)
	body.WriteByte(0x00)
	return smbPacket(body.Bytes())
}

func smbStatusResponse(req []byte, command byte, status uint32) []byte {
	body := &bytes.Buffer{}
	body.Write(smbHeader(req, command, status))
	body.WriteByte(0x00)           // word count
	body.Write([]byte{0x00, 0x00}) // byte count
	return smbPacket(body.Bytes())
}

// smbSetupStrings pulls printable NUL-separated strings from the tail of a
// session-setup request. Account and domain ride there in the clear for
// older clients.
func smbSetupStrings(body []byte) []string {
	var out []string
	for _, part := range bytes.Split(body, []byte{0x00}) {
		s := strings.TrimSpace(string(part))
		if len(s) < 2 {
			continue
		}
		printable := true
		for _, r := range s {
			if r < 0x20 || r > 0x7e {
				printable = false
				break
			}
		}
		if printable {
			out = append(out, s)
		}
	}
	return out
}

// HandleSMB emulates an SMB1 file server far enough to harvest session-setup
// attempts. Every setup ends in STATUS_LOGON_FAILURE.
func HandleSMB(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close SMB connection", slog.String("protocol", "smb"), producer.ErrAttr(err))
		}
	}()

	m := fsm.Machine{
		Initial: "await-negotiate",
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			if frame[4] == 0x81 {
				// NetBIOS session request, positive response
				return fsm.Step{Next: state, Reply: []byte{0x82, 0x00, 0x00, 0x00}}
			}
			body := frame[4:]
			if len(body) < 33 || !bytes.HasPrefix(body, []byte("\xffSMB")) {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(body)}), Close: true}
			}
			command := body[4]
			name, ok := smbCommandNames[command]
			if !ok {
				name = fmt.Sprintf("0x%02x", command)
			}

			switch command {
			case smbNegotiate:
				ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
					"command": name,
				})
				return fsm.Step{Next: "await-session-setup", Reply: smbNegotiateResponse(body), Event: &ev}
			case smbSessionSetup:
				fields := map[string]string{"payload_hash": helpers.HashData(body)}
				if strs := smbSetupStrings(body[33:]); len(strs) > 0 {
					fields["account"] = strs[0]
					if len(strs) > 1 {
						fields["domain"] = strs[1]
					}
				}
				ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCredentials, fields)
				// STATUS_LOGON_FAILURE
				return fsm.Step{Next: state, Reply: smbStatusResponse(body, command, 0xc000006d), Event: &ev}
			default:
				ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
					"command": name,
				})
				// STATUS_ACCESS_DENIED
				return fsm.Step{Next: state, Reply: smbStatusResponse(body, command, 0xc0000022), Event: &ev}
			}
		},
	}
	return fsm.RunFrames(ctx, conn, m, smbFrame, h)
}
