package tcp

import (
	"context"
	"log/slog"
	"net"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// telnet option negotiation: DO TERMINAL-TYPE, DO WINDOW-SIZE, DO X-DISPLAY,
// DO NEW-ENVIRON. Mirai-era bots expect to see IAC chatter before a prompt.
var telnetNegotiation = []byte("\xff\xfd\x18\xff\xfd\x1f\xff\xfd\x23\xff\xfd\x27")

// HandleTelnet emulates a telnet login prompt followed by a fake shell.
// Every submitted pair becomes a capture; commands typed into the fake
// shell are captured individually.
func HandleTelnet(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close telnet connection", slog.String("protocol", "telnet"), producer.ErrAttr(err))
		}
	}()

	const (
		stateUser  fsm.State = "await-username"
		statePass  fsm.State = "await-password"
		stateShell fsm.State = "await-command"
	)

	var (
		username string
		attempts int
	)

	greeting := append(append([]byte{}, telnetNegotiation...), []byte(bannerOr(md, "")+"\r\nlogin: ")...)

	m := fsm.Machine{
		Initial:  stateUser,
		Greeting: greeting,
		Abandoned: func() *event.Capture {
			if username == "" {
				return nil
			}
			return abandonedEvent(conn, md, map[string]string{"username": username})
		},
		Transition: func(state fsm.State, input []byte) fsm.Step {
			line := stripIAC(string(input))
			switch state {
			case stateUser:
				username = line
				return fsm.Step{Next: statePass, Reply: []byte("Password: ")}
			case statePass:
				ev := credentialEvent(conn, md, username, line)
				if md.Instance.MatchesLogin(username, line) {
					return fsm.Step{Next: stateShell, Reply: []byte("\r\nWelcome\r\n$ "), Event: ev}
				}
				attempts++
				if attempts >= md.Instance.MaxRetries {
					return fsm.Step{Reply: []byte("\r\nLogin incorrect\r\n"), Event: ev, Close: true}
				}
				username = ""
				return fsm.Step{Next: stateUser, Reply: []byte("\r\nLogin incorrect\r\nlogin: "), Event: ev}
			default:
				if line == "exit" || line == "quit" || line == "logout" {
					return fsm.Step{Reply: []byte("logout\r\n"), Close: true}
				}
				return fsm.Step{Next: stateShell, Reply: []byte("-bash: " + firstWord(line) + ": command not found\r\n$ "), Event: commandEvent(conn, md, line)}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}

// stripIAC removes telnet IAC sequences clients interleave with input.
func stripIAC(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0xff && i+2 < len(s) {
			i += 2
			continue
		}
		if s[i] == 0xff {
			break
		}
		out = append(out, s[i])
	}
	return string(out)
}

func firstWord(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i]
		}
	}
	return s
}
