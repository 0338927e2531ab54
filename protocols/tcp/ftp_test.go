package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func testMetadata(proto config.Protocol) connection.Metadata {
	return connection.Metadata{
		SrcIP:   "203.0.113.7",
		SrcPort: "40123",
		Instance: &config.Instance{
			Protocol:   proto,
			Port:       proto.DefaultPort(),
			Username:   "admin",
			Password:   "hunter2",
			MaxRetries: 3,
		},
	}
}

func TestFTPLoginSuccess(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoFTP)

	done := make(chan error, 1)
	go func() {
		done <- HandleFTP(context.Background(), server, md, mocks.Logger(), h)
	}()

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "220")

	fmt.Fprintf(client, "USER admin\r\n")
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "331")

	fmt.Fprintf(client, "PASS hunter2\r\n")
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "230")

	fmt.Fprintf(client, "SYST\r\n")
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "215")

	fmt.Fprintf(client, "QUIT\r\n")
	_, err = r.ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "admin", creds[0].Fields["username"])
	require.Equal(t, "hunter2", creds[0].Fields["password"])
	require.Equal(t, "success", creds[0].Fields["status"])
	require.Equal(t, "ftp", creds[0].Protocol)

	commands := h.ByOutcome(event.OutcomeCommand)
	require.NotEmpty(t, commands)
	require.Equal(t, "SYST", commands[0].Fields["command"])
}

func TestFTPLoginFailureRetryCeiling(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoFTP)

	done := make(chan error, 1)
	go func() {
		done <- HandleFTP(context.Background(), server, md, mocks.Logger(), h)
	}()

	r := bufio.NewReader(client)
	_, err := r.ReadString('\n')
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fmt.Fprintf(client, "USER root\r\n")
		_, err = r.ReadString('\n')
		require.NoError(t, err)
		fmt.Fprintf(client, "PASS guess%d\r\n", i)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Contains(t, line, "530")
	}
	require.NoError(t, <-done)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 3)
	for _, ev := range creds {
		require.Equal(t, "failed", ev.Fields["status"])
	}
}

func TestFTPAbandonedMidHandshake(t *testing.T) {
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoFTP)

	done := make(chan error, 1)
	go func() {
		done <- HandleFTP(context.Background(), server, md, mocks.Logger(), h)
	}()

	r := bufio.NewReader(client)
	_, err := r.ReadString('\n')
	require.NoError(t, err)
	fmt.Fprintf(client, "USER root\r\n")
	_, err = r.ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.NoError(t, <-done)
	abandoned := h.ByOutcome(event.OutcomeAbandoned)
	require.Len(t, abandoned, 1)
	require.Equal(t, "root", abandoned[0].Fields["username"])
}
