package tcp

import (
	"bytes"
	"context"
	"crypto/des"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
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

const rfbVersion = "RFB 003.008\n"

// vncChallengeResponse runs the VNC DES variant over the challenge: the key
// is the password padded to 8 bytes with every byte bit-reversed.
func vncChallengeResponse(password string, challenge []byte) []byte {
	key := make([]byte, 8)
	copy(key, password)
	for i, b := range key {
		b = (b&0xf0)>>4 | (b&0x0f)<<4
		b = (b&0xcc)>>2 | (b&0x33)<<2
		b = (b&0xaa)>>1 | (b&0x55)<<1
		key[i] = b
	}
	block, err := des.NewCipher(key)
	if err != nil {
		return nil
	}
	out := make([]byte, 16)
	block.Encrypt(out[0:8], challenge[0:8])
	block.Encrypt(out[8:16], challenge[8:16])
	return out
}

// HandleVNC runs the RFB 3.8 handshake with VNC authentication. The client's
// DES response is captured; with the configured password the challenge can
// be replayed to tell a correct guess from a wrong one.
func HandleVNC(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close VNC connection", slog.String("protocol", "vnc"), producer.ErrAttr(err))
		}
	}()

	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}

	const (
		stateVersion  fsm.State = "await-version"
		stateSecurity fsm.State = "await-security-type"
		stateResponse fsm.State = "await-challenge-response"
	)

	// each phase has a fixed read size
	phase := stateVersion
	read := func(r io.Reader) ([]byte, error) {
		sizes := map[fsm.State]int{stateVersion: 12, stateSecurity: 1, stateResponse: 16}
		buf := make([]byte, sizes[phase])
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	m := fsm.Machine{
		Initial:  stateVersion,
		Greeting: []byte(rfbVersion),
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Abandoned: func() *event.Capture {
			return abandonedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			switch state {
			case stateVersion:
				if !bytes.HasPrefix(frame, []byte("RFB ")) {
					return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(frame)}), Close: true}
				}
				phase = stateSecurity
				// one security type: VNC authentication
				return fsm.Step{Next: stateSecurity, Reply: []byte{0x01, 0x02}}

			case stateSecurity:
				if frame[0] != 0x02 {
					return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"type": fmt.Sprintf("%d", frame[0])}), Close: true}
				}
				phase = stateResponse
				return fsm.Step{Next: stateResponse, Reply: challenge}

			case stateResponse:
				matched := md.Instance.Password != "" &&
					bytes.Equal(frame, vncChallengeResponse(md.Instance.Password, challenge))
				ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCredentials, map[string]string{
					"password": hex.EncodeToString(frame),
					"status":   helpers.LoginStatus(matched),
				})
				if matched {
					return fsm.Step{Reply: []byte{0x00, 0x00, 0x00, 0x00}, Event: &ev, Close: true}
				}
				reason := "Authentication failure"
				reply := make([]byte, 8+len(reason))
				binary.BigEndian.PutUint32(reply[0:4], 1)
				binary.BigEndian.PutUint32(reply[4:8], uint32(len(reason)))
				copy(reply[8:], reason)
				return fsm.Step{Reply: reply, Event: &ev, Close: true}
			}
			return fsm.Step{Close: true}
		},
	}
	return fsm.RunFrames(ctx, conn, m, read, h)
}
