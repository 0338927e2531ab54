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

// HandleIRC emulates an ircd registration. PASS/NICK/USER are collected and
// captured as a credential pair (nick as username), everything after the
// fake 001 welcome is captured as commands.
func HandleIRC(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close IRC connection", slog.String("protocol", "irc"), producer.ErrAttr(err))
		}
	}()

	const (
		stateRegister fsm.State = "await-registration"
		stateCmds     fsm.State = "await-command"
	)

	var nick, pass string

	m := fsm.Machine{
		Initial:  stateRegister,
		Greeting: []byte(":" + bannerOr(md, "irc.local") + " NOTICE AUTH :*** Looking up your hostname...\r\n"),
		Abandoned: func() *event.Capture {
			if nick == "" && pass == "" {
				return nil
			}
			return abandonedEvent(conn, md, map[string]string{"username": nick, "password": pass})
		},
		Transition: func(state fsm.State, input []byte) fsm.Step {
			cmd, arg := splitCommand(string(input))
			if state == stateCmds {
				if cmd == "QUIT" {
					return fsm.Step{Reply: []byte("ERROR :Closing Link\r\n"), Close: true}
				}
				return fsm.Step{Next: stateCmds, Reply: []byte(":" + bannerOr(md, "irc.local") + " 421 " + nick + " " + cmd + " :Unknown command\r\n"), Event: commandEvent(conn, md, string(input))}
			}
			switch cmd {
			case "PASS":
				pass = arg
				return fsm.Step{Next: stateRegister}
			case "NICK":
				nick = arg
				return fsm.Step{Next: stateRegister}
			case "USER":
				ev := credentialEvent(conn, md, nick, pass)
				host := bannerOr(md, "irc.local")
				welcome := ":" + host + " 001 " + nick + " :Welcome to the IRC Network " + nick + "\r\n"
				return fsm.Step{Next: stateCmds, Reply: []byte(welcome), Event: ev}
			case "QUIT":
				return fsm.Step{Reply: []byte("ERROR :Closing Link\r\n"), Close: true}
			default:
				return fsm.Step{Next: stateRegister, Reply: []byte(":" + bannerOr(md, "irc.local") + " 451 * :You have not registered\r\n")}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
