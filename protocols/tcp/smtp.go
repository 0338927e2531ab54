package tcp

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"strings"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleSMTP emulates an ESMTP server offering AUTH LOGIN and AUTH PLAIN.
// Both paths decode the base64 material and capture it.
func HandleSMTP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close SMTP connection", slog.String("protocol", "smtp"), producer.ErrAttr(err))
		}
	}()

	const (
		stateCmd  fsm.State = "await-command"
		stateUser fsm.State = "await-auth-username"
		statePass fsm.State = "await-auth-password"
	)

	var (
		username string
		attempts int
	)

	authResult := func(username, password string) fsm.Step {
		ev := credentialEvent(conn, md, username, password)
		if md.Instance.MatchesLogin(username, password) {
			return fsm.Step{Next: stateCmd, Reply: []byte("235 2.7.0 Authentication successful\r\n"), Event: ev}
		}
		attempts++
		if attempts >= md.Instance.MaxRetries {
			return fsm.Step{Reply: []byte("535 5.7.8 Authentication credentials invalid\r\n"), Event: ev, Close: true}
		}
		return fsm.Step{Next: stateCmd, Reply: []byte("535 5.7.8 Authentication credentials invalid\r\n"), Event: ev}
	}

	m := fsm.Machine{
		Initial:  stateCmd,
		Greeting: []byte("220 " + bannerOr(md, "mail ESMTP Postfix") + "\r\n"),
		Abandoned: func() *event.Capture {
			if username == "" {
				return nil
			}
			return abandonedEvent(conn, md, map[string]string{"username": username})
		},
		Transition: func(state fsm.State, input []byte) fsm.Step {
			line := string(input)
			switch state {
			case stateUser:
				raw, err := base64.StdEncoding.DecodeString(line)
				if err != nil {
					return fsm.Step{Reply: []byte("501 5.5.2 Cannot decode response\r\n"), Event: malformedEvent(conn, md, map[string]string{"payload": line}), Close: true}
				}
				username = string(raw)
				return fsm.Step{Next: statePass, Reply: []byte("334 UGFzc3dvcmQ6\r\n")}
			case statePass:
				raw, err := base64.StdEncoding.DecodeString(line)
				if err != nil {
					return fsm.Step{Reply: []byte("501 5.5.2 Cannot decode response\r\n"), Event: malformedEvent(conn, md, map[string]string{"username": username, "payload": line}), Close: true}
				}
				user := username
				username = ""
				return authResult(user, string(raw))
			}

			cmd, arg := splitCommand(line)
			switch cmd {
			case "HELO", "EHLO":
				return fsm.Step{Next: stateCmd, Reply: []byte("250-Hello " + arg + "\r\n250-8BITMIME\r\n250 AUTH LOGIN PLAIN\r\n")}
			case "AUTH":
				mech, rest := splitCommand(arg)
				switch mech {
				case "LOGIN":
					return fsm.Step{Next: stateUser, Reply: []byte("334 VXNlcm5hbWU6\r\n")}
				case "PLAIN":
					raw, err := base64.StdEncoding.DecodeString(rest)
					if err != nil {
						return fsm.Step{Reply: []byte("501 5.5.2 Cannot decode response\r\n"), Event: malformedEvent(conn, md, map[string]string{"payload": rest}), Close: true}
					}
					parts := strings.SplitN(string(raw), "\x00", 3)
					if len(parts) != 3 {
						return fsm.Step{Reply: []byte("501 5.5.2 Cannot decode response\r\n"), Event: malformedEvent(conn, md, map[string]string{"payload": rest}), Close: true}
					}
					return authResult(parts[1], parts[2])
				}
				return fsm.Step{Next: stateCmd, Reply: []byte("504 5.5.4 Unrecognized authentication type\r\n")}
			case "MAIL", "RCPT":
				return fsm.Step{Next: stateCmd, Reply: []byte("250 2.1.0 Ok\r\n"), Event: commandEvent(conn, md, line)}
			case "DATA":
				return fsm.Step{Next: stateCmd, Reply: []byte("554 5.7.1 Relay access denied\r\n"), Event: commandEvent(conn, md, line)}
			case "QUIT":
				return fsm.Step{Reply: []byte("221 2.0.0 Bye\r\n"), Close: true}
			case "RSET", "NOOP":
				return fsm.Step{Next: stateCmd, Reply: []byte("250 2.0.0 Ok\r\n")}
			default:
				return fsm.Step{Next: stateCmd, Reply: []byte("502 5.5.2 Error: command not recognized\r\n"), Event: commandEvent(conn, md, line)}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
