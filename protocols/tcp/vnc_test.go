package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func TestVNCHandshake(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoVNC)

	done := make(chan error, 1)
	go func() {
		done <- HandleVNC(context.Background(), server, md, mocks.Logger(), h)
	}()

	version := make([]byte, 12)
	_, err := io.ReadFull(client, version)
	require.NoError(t, err)
	require.Equal(t, "RFB 003.008\n", string(version))

	_, err = client.Write(version)
	require.NoError(t, err)

	security := make([]byte, 2)
	_, err = io.ReadFull(client, security)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, security)

	_, err = client.Write([]byte{0x02})
	require.NoError(t, err)

	challenge := make([]byte, 16)
	_, err = io.ReadFull(client, challenge)
	require.NoError(t, err)

	_, err = client.Write(vncChallengeResponse("hunter2", challenge))
	require.NoError(t, err)

	result := make([]byte, 4)
	_, err = io.ReadFull(client, result)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, result, "correct password yields security-result OK")
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "success", creds[0].Fields["status"])
}

func TestVNCWrongPassword(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoVNC)

	done := make(chan error, 1)
	go func() {
		done <- HandleVNC(context.Background(), server, md, mocks.Logger(), h)
	}()

	version := make([]byte, 12)
	_, err := io.ReadFull(client, version)
	require.NoError(t, err)
	_, err = client.Write(version)
	require.NoError(t, err)

	security := make([]byte, 2)
	_, err = io.ReadFull(client, security)
	require.NoError(t, err)
	_, err = client.Write([]byte{0x02})
	require.NoError(t, err)

	challenge := make([]byte, 16)
	_, err = io.ReadFull(client, challenge)
	require.NoError(t, err)
	_, err = client.Write(vncChallengeResponse("letmein", challenge))
	require.NoError(t, err)

	result := make([]byte, 8)
	_, err = io.ReadFull(client, result)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, result[:4])

	reason := make([]byte, binary.BigEndian.Uint32(result[4:8]))
	_, err = io.ReadFull(client, reason)
	require.NoError(t, err)
	require.Equal(t, "Authentication failure", string(reason))
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "failed", creds[0].Fields["status"])
}
