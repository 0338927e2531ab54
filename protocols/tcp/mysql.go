package tcp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
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

const mysqlMaxPacket = 1 << 20

// mysqlFrame reads one wire packet: 3-byte little-endian length, sequence
// byte, payload. The full frame is returned so the transition can see the
// sequence number.
func mysqlFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if length == 0 || length > mysqlMaxPacket {
		return nil, fmt.Errorf("%w: mysql packet length %d", fsm.ErrBadFrame, length)
	}
	frame := make([]byte, 4+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// nativePasswordScramble computes the mysql_native_password token:
// SHA1(password) XOR SHA1(salt + SHA1(SHA1(password))).
func nativePasswordScramble(salt []byte, password string) []byte {
	if password == "" {
		return nil
	}
	stage1 := sha1.Sum([]byte(password))
	stage2 := sha1.Sum(stage1[:])
	h := sha1.New()
	h.Write(salt)
	h.Write(stage2[:])
	token := h.Sum(nil)
	for i := range token {
		token[i] ^= stage1[i]
	}
	return token
}

func mysqlGreeting(version string, salt []byte) []byte {
	payload := &bytes.Buffer{}
	payload.WriteByte(0x0a) // protocol version
	payload.WriteString(version)
	payload.WriteByte(0x00)
	binary.Write(payload, binary.LittleEndian, uint32(3)) // thread id
	payload.Write(salt[:8])
	payload.WriteByte(0x00)
	payload.Write([]byte{0xff, 0xf7}) // capabilities (lower)
	payload.WriteByte(0x21)           // charset utf8
	payload.Write([]byte{0x02, 0x00}) // status: autocommit
	payload.Write([]byte{0xff, 0x81}) // capabilities (upper)
	payload.WriteByte(21)             // auth data length
	payload.Write(make([]byte, 10))
	payload.Write(salt[8:20])
	payload.WriteByte(0x00)
	payload.WriteString("mysql_native_password")
	payload.WriteByte(0x00)

	frame := make([]byte, 4+payload.Len())
	frame[0] = byte(payload.Len())
	frame[1] = byte(payload.Len() >> 8)
	frame[2] = byte(payload.Len() >> 16)
	frame[3] = 0 // sequence
	copy(frame[4:], payload.Bytes())
	return frame
}

func mysqlPacket(seq byte, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	frame[0] = byte(len(payload))
	frame[1] = byte(len(payload) >> 8)
	frame[2] = byte(len(payload) >> 16)
	frame[3] = seq
	copy(frame[4:], payload)
	return frame
}

func mysqlAccessDenied(seq byte, username, host string) []byte {
	payload := &bytes.Buffer{}
	payload.WriteByte(0xff)
	binary.Write(payload, binary.LittleEndian, uint16(1045))
	payload.WriteString("#28000")
	fmt.Fprintf(payload, "Access denied for user '%s'@'%s' (using password: YES)", username, host)
	return mysqlPacket(seq, payload.Bytes())
}

// HandleMySQL emulates the MySQL handshake. The server greeting carries a
// random salt; the login packet's scramble is captured and, because the
// valid password is configured, can be verified against it.
func HandleMySQL(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close MySQL connection", slog.String("protocol", "mysql"), producer.ErrAttr(err))
		}
	}()

	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	const stateLogin fsm.State = "await-login"

	m := fsm.Machine{
		Initial:  stateLogin,
		Greeting: mysqlGreeting(bannerOr(md, "8.0.33"), salt),
		Malformed: func() *event.Capture {
			return malformedEvent(conn, md, nil)
		},
		Transition: func(state fsm.State, frame []byte) fsm.Step {
			seq := frame[3]
			body := frame[4:]
			// HandshakeResponse41: caps(4) max-packet(4) charset(1)
			// filler(23) username\0 auth-len(1) auth
			if len(body) < 33 {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(body)}), Close: true}
			}
			rest := body[32:]
			null := bytes.IndexByte(rest, 0x00)
			if null < 0 {
				return fsm.Step{Event: malformedEvent(conn, md, map[string]string{"payload_hash": helpers.HashData(body)}), Close: true}
			}
			username := string(rest[:null])
			var auth []byte
			if len(rest) > null+1 {
				authLen := int(rest[null+1])
				if len(rest) >= null+2+authLen {
					auth = rest[null+2 : null+2+authLen]
				}
			}

			matched := username == md.Instance.Username &&
				bytes.Equal(auth, nativePasswordScramble(salt, md.Instance.Password))
			ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCredentials, map[string]string{
				"username": username,
				"password": hex.EncodeToString(auth),
				"status":   helpers.LoginStatus(matched),
			})
			if matched {
				// OK packet, then the client is starved out
				return fsm.Step{Reply: mysqlPacket(seq+1, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}), Event: &ev, Close: true}
			}
			return fsm.Step{Reply: mysqlAccessDenied(seq+1, username, md.SrcIP), Event: &ev, Close: true}
		},
	}
	return fsm.RunFrames(ctx, conn, m, mysqlFrame, h)
}
