package tcp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func readMySQLPacket(t *testing.T, r io.Reader) (byte, []byte) {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(r, header)
	require.NoError(t, err)
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return header[3], body
}

func mysqlSaltFromGreeting(t *testing.T, body []byte) []byte {
	t.Helper()
	require.Equal(t, byte(0x0a), body[0])
	null := bytes.IndexByte(body[1:], 0x00)
	require.GreaterOrEqual(t, null, 0)
	rest := body[1+null+1:]
	salt := make([]byte, 0, 20)
	salt = append(salt, rest[4:12]...) // part 1 after thread id
	// part 2 sits after the capability/charset/status block and reserved bytes
	salt = append(salt, rest[12+1+2+1+2+2+1+10:12+1+2+1+2+2+1+10+12]...)
	return salt
}

func buildLogin41(username string, auth []byte) []byte {
	payload := make([]byte, 32)
	payload = append(payload, []byte(username)...)
	payload = append(payload, 0x00)
	payload = append(payload, byte(len(auth)))
	payload = append(payload, auth...)

	frame := make([]byte, 4+len(payload))
	frame[0] = byte(len(payload))
	frame[1] = byte(len(payload) >> 8)
	frame[2] = byte(len(payload) >> 16)
	frame[3] = 1
	copy(frame[4:], payload)
	return frame
}

func TestMySQLCorrectScramble(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoMySQL)

	done := make(chan error, 1)
	go func() {
		done <- HandleMySQL(context.Background(), server, md, mocks.Logger(), h)
	}()

	_, greeting := readMySQLPacket(t, client)
	salt := mysqlSaltFromGreeting(t, greeting)

	auth := nativePasswordScramble(salt, "hunter2")
	_, err := client.Write(buildLogin41("admin", auth))
	require.NoError(t, err)

	_, reply := readMySQLPacket(t, client)
	require.Equal(t, byte(0x00), reply[0], "expected OK packet")
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "admin", creds[0].Fields["username"])
	require.Equal(t, "success", creds[0].Fields["status"])
}

func TestMySQLWrongPassword(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoMySQL)

	done := make(chan error, 1)
	go func() {
		done <- HandleMySQL(context.Background(), server, md, mocks.Logger(), h)
	}()

	_, greeting := readMySQLPacket(t, client)
	salt := mysqlSaltFromGreeting(t, greeting)

	auth := nativePasswordScramble(salt, "wrong")
	_, err := client.Write(buildLogin41("admin", auth))
	require.NoError(t, err)

	_, reply := readMySQLPacket(t, client)
	require.Equal(t, byte(0xff), reply[0], "expected ERR packet")
	require.Contains(t, string(reply), "Access denied")
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "failed", creds[0].Fields["status"])
}

func TestMySQLOversizedFrameIsMalformed(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	h.Timeout = time.Second
	md := testMetadata(config.ProtoMySQL)

	done := make(chan error, 1)
	go func() {
		done <- HandleMySQL(context.Background(), server, md, mocks.Logger(), h)
	}()

	readMySQLPacket(t, client)
	// 3-byte length far past the accepted maximum
	_, err := client.Write([]byte{0xff, 0xff, 0xff, 0x00})
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Len(t, h.ByOutcome(event.OutcomeMalformed), 1)
}
