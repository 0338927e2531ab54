// Package tcp holds one handler per emulated TCP service. Every handler
// follows the same contract: send the impersonated service's greeting,
// drive a handshake state machine far enough to capture credentials or
// commands, fabricate all responses, and never let hostile input escape as
// an error.
package tcp

import (
	"net"
	"strings"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/helpers"
)

// splitCommand separates a protocol verb from its argument and upper-cases
// the verb for matching.
func splitCommand(line string) (string, string) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(rest)
}

func protoName(md connection.Metadata) string {
	return string(md.Instance.Protocol)
}

// bannerOr returns the configured fake identity string, or the protocol's
// stock default when the operator left it empty.
func bannerOr(md connection.Metadata, fallback string) string {
	if md.Instance.Banner != "" {
		return md.Instance.Banner
	}
	return fallback
}

func credentialEvent(conn net.Conn, md connection.Metadata, username, password string) *event.Capture {
	ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCredentials, map[string]string{
		"username": username,
		"password": password,
		"status":   helpers.LoginStatus(md.Instance.MatchesLogin(username, password)),
	})
	return &ev
}

func commandEvent(conn net.Conn, md connection.Metadata, command string) *event.Capture {
	ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, map[string]string{
		"command": command,
	})
	return &ev
}

func malformedEvent(conn net.Conn, md connection.Metadata, fields map[string]string) *event.Capture {
	ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeMalformed, fields)
	return &ev
}

func abandonedEvent(conn net.Conn, md connection.Metadata, fields map[string]string) *event.Capture {
	ev := event.New(protoName(md), conn.RemoteAddr(), event.OutcomeAbandoned, fields)
	return &ev
}
