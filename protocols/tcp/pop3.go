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

// HandlePOP3 emulates a POP3 mailbox login.
func HandlePOP3(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close POP3 connection", slog.String("protocol", "pop3"), producer.ErrAttr(err))
		}
	}()

	const (
		stateUser fsm.State = "await-user"
		statePass fsm.State = "await-pass"
	)

	var (
		username string
		attempts int
	)

	m := fsm.Machine{
		Initial:  stateUser,
		Greeting: []byte("+OK " + bannerOr(md, "POP3 server ready") + "\r\n"),
		Abandoned: func() *event.Capture {
			if username == "" {
				return nil
			}
			return abandonedEvent(conn, md, map[string]string{"username": username})
		},
		Transition: func(state fsm.State, input []byte) fsm.Step {
			cmd, arg := splitCommand(string(input))
			switch cmd {
			case "CAPA":
				return fsm.Step{Next: state, Reply: []byte("+OK Capability list follows\r\nUSER\r\nUIDL\r\nTOP\r\n.\r\n")}
			case "QUIT":
				return fsm.Step{Reply: []byte("+OK Bye\r\n"), Close: true}
			}
			switch state {
			case stateUser:
				if cmd != "USER" {
					return fsm.Step{Next: stateUser, Reply: []byte("-ERR Unknown command.\r\n")}
				}
				username = arg
				return fsm.Step{Next: statePass, Reply: []byte("+OK\r\n")}
			default:
				if cmd != "PASS" {
					username = ""
					return fsm.Step{Next: stateUser, Reply: []byte("-ERR Unknown command.\r\n")}
				}
				ev := credentialEvent(conn, md, username, arg)
				if md.Instance.MatchesLogin(username, arg) {
					return fsm.Step{Reply: []byte("+OK Logged in.\r\n"), Event: ev, Close: true}
				}
				attempts++
				if attempts >= md.Instance.MaxRetries {
					return fsm.Step{Reply: []byte("-ERR [AUTH] Authentication failed.\r\n"), Event: ev, Close: true}
				}
				username = ""
				return fsm.Step{Next: stateUser, Reply: []byte("-ERR [AUTH] Authentication failed.\r\n"), Event: ev}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
