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

// HandleFTP emulates an FTP login. The USER/PASS exchange is captured on
// every attempt; a matching pair gets the fabricated 230 and a command
// prompt loop, anything else gets 530 until the retry ceiling.
func HandleFTP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close FTP connection", slog.String("protocol", "ftp"), producer.ErrAttr(err))
		}
	}()

	const (
		stateUser fsm.State = "await-user"
		statePass fsm.State = "await-pass"
		stateCmds fsm.State = "await-command"
	)

	var (
		username string
		attempts int
	)

	m := fsm.Machine{
		Initial:  stateUser,
		Greeting: []byte("220 " + bannerOr(md, "FTP server ready") + "\r\n"),
		Abandoned: func() *event.Capture {
			if username == "" {
				return nil
			}
			return abandonedEvent(conn, md, map[string]string{"username": username})
		},
		Transition: func(state fsm.State, input []byte) fsm.Step {
			cmd, arg := splitCommand(string(input))
			switch state {
			case stateUser:
				switch cmd {
				case "USER":
					username = arg
					return fsm.Step{Next: statePass, Reply: []byte("331 Please specify the password.\r\n")}
				case "QUIT":
					return fsm.Step{Reply: []byte("221 Goodbye.\r\n"), Close: true}
				}
				return fsm.Step{Next: stateUser, Reply: []byte("530 Please login with USER and PASS.\r\n")}
			case statePass:
				if cmd != "PASS" {
					username = ""
					return fsm.Step{Next: stateUser, Reply: []byte("503 Login with USER first.\r\n")}
				}
				ev := credentialEvent(conn, md, username, arg)
				if md.Instance.MatchesLogin(username, arg) {
					return fsm.Step{Next: stateCmds, Reply: []byte("230 Login successful.\r\n"), Event: ev}
				}
				attempts++
				if attempts >= md.Instance.MaxRetries {
					return fsm.Step{Reply: []byte("530 Login incorrect.\r\n"), Event: ev, Close: true}
				}
				username = ""
				return fsm.Step{Next: stateUser, Reply: []byte("530 Login incorrect.\r\n"), Event: ev}
			default:
				switch cmd {
				case "QUIT":
					return fsm.Step{Reply: []byte("221 Goodbye.\r\n"), Close: true}
				case "SYST":
					return fsm.Step{Next: stateCmds, Reply: []byte("215 UNIX Type: L8\r\n"), Event: commandEvent(conn, md, string(input))}
				case "PWD":
					return fsm.Step{Next: stateCmds, Reply: []byte("257 \"/\" is the current directory\r\n"), Event: commandEvent(conn, md, string(input))}
				case "TYPE":
					return fsm.Step{Next: stateCmds, Reply: []byte("200 Switching mode.\r\n"), Event: commandEvent(conn, md, string(input))}
				default:
					return fsm.Step{Next: stateCmds, Reply: []byte("550 Permission denied.\r\n"), Event: commandEvent(conn, md, string(input))}
				}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
