package tcp

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleIMAP emulates an IMAP4rev1 greeting and LOGIN command.
func HandleIMAP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close IMAP connection", slog.String("protocol", "imap"), producer.ErrAttr(err))
		}
	}()

	const stateAuth fsm.State = "await-login"

	var attempts int

	m := fsm.Machine{
		Initial:  stateAuth,
		Greeting: []byte("* OK " + bannerOr(md, "IMAP4rev1 Service Ready") + "\r\n"),
		Transition: func(state fsm.State, input []byte) fsm.Step {
			parts := strings.Fields(string(input))
			if len(parts) < 2 {
				return fsm.Step{Next: stateAuth, Reply: []byte("* BAD invalid command\r\n")}
			}
			tag, cmd := parts[0], strings.ToUpper(parts[1])
			switch cmd {
			case "CAPABILITY":
				return fsm.Step{Next: stateAuth, Reply: []byte("* CAPABILITY IMAP4rev1 LOGIN\r\n" + tag + " OK CAPABILITY completed\r\n")}
			case "NOOP":
				return fsm.Step{Next: stateAuth, Reply: []byte(tag + " OK NOOP completed\r\n")}
			case "LOGOUT":
				return fsm.Step{Reply: []byte("* BYE Logging out\r\n" + tag + " OK LOGOUT completed\r\n"), Close: true}
			case "LOGIN":
				if len(parts) < 4 {
					return fsm.Step{Next: stateAuth, Reply: []byte(tag + " BAD LOGIN expects a username and password\r\n")}
				}
				username := strings.Trim(parts[2], `"`)
				password := strings.Trim(parts[3], `"`)
				ev := credentialEvent(conn, md, username, password)
				if md.Instance.MatchesLogin(username, password) {
					return fsm.Step{Reply: []byte(tag + " OK LOGIN completed\r\n"), Event: ev, Close: true}
				}
				attempts++
				if attempts >= md.Instance.MaxRetries {
					return fsm.Step{Reply: []byte(tag + " NO [AUTHENTICATIONFAILED] Authentication failed\r\n"), Event: ev, Close: true}
				}
				return fsm.Step{Next: stateAuth, Reply: []byte(tag + " NO [AUTHENTICATIONFAILED] Authentication failed\r\n"), Event: ev}
			default:
				return fsm.Step{Next: stateAuth, Reply: []byte(tag + " BAD command not recognized\r\n"), Event: commandEvent(conn, md, string(input))}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
