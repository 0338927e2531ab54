package tcp

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func sipExchange(t *testing.T, request string) (string, *mocks.Honeypot) {
	t.Helper()
	server, client := net.Pipe()
	h := mocks.NewHoneypot()
	md := testMetadata(config.ProtoSIP)

	done := make(chan error, 1)
	go func() {
		done <- HandleSIP(context.Background(), server, md, mocks.Logger(), h)
	}()

	_, err := client.Write([]byte(request))
	require.NoError(t, err)

	reply := make([]byte, sipMaxMessage)
	n, err := client.Read(reply)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, <-done)
	return string(reply[:n]), h
}

func TestSIPOptionsProbe(t *testing.T) {
	request := strings.Join([]string{
		"OPTIONS sip:100@203.0.113.5 SIP/2.0",
		"Via: SIP/2.0/TCP 203.0.113.9:5060;branch=z9hG4bK776asdhds",
		"Max-Forwards: 70",
		"From: \"scanner\" <sip:scanner@203.0.113.9>;tag=49583",
		"To: <sip:100@203.0.113.5>",
		"Call-ID: 1717105261@203.0.113.9",
		"CSeq: 1 OPTIONS",
		"User-Agent: friendly-scanner",
		"Content-Length: 0",
		"", "",
	}, "\r\n")

	reply, h := sipExchange(t, request)
	require.True(t, strings.HasPrefix(reply, "SIP/2.0 200"), "OPTIONS probes get a 200, got %q", reply)

	commands := h.ByOutcome(event.OutcomeCommand)
	require.Len(t, commands, 1)
	require.Equal(t, "OPTIONS", commands[0].Fields["command"])
	require.Contains(t, commands[0].Fields["user_agent"], "friendly-scanner")
}

func TestSIPRegisterCapturesDigest(t *testing.T) {
	request := strings.Join([]string{
		"REGISTER sip:203.0.113.5 SIP/2.0",
		"Via: SIP/2.0/TCP 203.0.113.9:5060;branch=z9hG4bK77asjd",
		"Max-Forwards: 70",
		"From: <sip:1001@203.0.113.5>;tag=778",
		"To: <sip:1001@203.0.113.5>",
		"Call-ID: 9962@203.0.113.9",
		"CSeq: 2 REGISTER",
		"Contact: <sip:1001@203.0.113.9:5060>",
		`Authorization: Digest username="1001", realm="asterisk", nonce="4f2a", uri="sip:203.0.113.5", response="8f5d2c"`,
		"Content-Length: 0",
		"", "",
	}, "\r\n")

	reply, h := sipExchange(t, request)
	require.True(t, strings.HasPrefix(reply, "SIP/2.0 403"), "an authenticated REGISTER is refused, got %q", reply)

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "1001", creds[0].Fields["username"])
	require.Equal(t, "8f5d2c", creds[0].Fields["password"])
	require.Equal(t, "asterisk", creds[0].Fields["realm"])
}
