package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func TestRedisInlineAuth(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoRedis)
	md.Instance.Username = "default"

	done := make(chan error, 1)
	go func() {
		done <- HandleRedis(context.Background(), server, md, mocks.Logger(), h)
	}()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "AUTH hunter2\r\n")
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", line)

	fmt.Fprintf(client, "PING\r\n")
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", line)

	fmt.Fprintf(client, "QUIT\r\n")
	_, err = r.ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "default", creds[0].Fields["username"])
	require.Equal(t, "hunter2", creds[0].Fields["password"])
	require.Equal(t, "success", creds[0].Fields["status"])
}

func TestRedisArrayAuthFailure(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoRedis)
	md.Instance.Username = "default"

	done := make(chan error, 1)
	go func() {
		done <- HandleRedis(context.Background(), server, md, mocks.Logger(), h)
	}()

	r := bufio.NewReader(client)
	// redis-cli style: *2 $4 AUTH $5 guess
	fmt.Fprintf(client, "*2\r\n$4\r\nAUTH\r\n$5\r\nguess\r\n")
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "WRONGPASS")

	require.NoError(t, client.Close())
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "guess", creds[0].Fields["password"])
	require.Equal(t, "failed", creds[0].Fields["status"])
}

func TestRedisMalformedArrayLength(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoRedis)

	done := make(chan error, 1)
	go func() {
		done <- HandleRedis(context.Background(), server, md, mocks.Logger(), h)
	}()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "*notanumber\r\n")
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "-ERR Protocol error")
	require.NoError(t, <-done)

	require.Len(t, h.ByOutcome(event.OutcomeMalformed), 1)
}
