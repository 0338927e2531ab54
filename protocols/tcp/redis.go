package tcp

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleRedis emulates a password-protected Redis server speaking enough
// RESP to satisfy redis-cli and scanner tooling. AUTH arguments are
// captured; everything else gets NOAUTH or a fabricated reply.
func HandleRedis(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close redis connection", slog.String("protocol", "redis"), producer.ErrAttr(err))
		}
	}()

	const (
		stateCmd  fsm.State = "await-command"
		stateArgs fsm.State = "await-array"
	)

	var (
		pending   []string
		remaining int
		attempts  int
	)

	version := bannerOr(md, "7.0.4")

	exec := func(args []string) fsm.Step {
		if len(args) == 0 {
			return fsm.Step{Next: stateCmd}
		}
		cmd := strings.ToUpper(args[0])
		raw := strings.Join(args, " ")
		switch cmd {
		case "AUTH":
			username, password := "default", ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				username, password = args[1], args[2]
			default:
				return fsm.Step{Next: stateCmd, Reply: []byte("-ERR wrong number of arguments for 'auth' command\r\n"), Event: malformedEvent(conn, md, map[string]string{"command": raw})}
			}
			ev := credentialEvent(conn, md, username, password)
			if md.Instance.MatchesLogin(username, password) {
				return fsm.Step{Next: stateCmd, Reply: []byte("+OK\r\n"), Event: ev}
			}
			attempts++
			if attempts >= md.Instance.MaxRetries {
				return fsm.Step{Reply: []byte("-WRONGPASS invalid username-password pair or user is disabled.\r\n"), Event: ev, Close: true}
			}
			return fsm.Step{Next: stateCmd, Reply: []byte("-WRONGPASS invalid username-password pair or user is disabled.\r\n"), Event: ev}
		case "PING":
			return fsm.Step{Next: stateCmd, Reply: []byte("+PONG\r\n")}
		case "QUIT":
			return fsm.Step{Reply: []byte("+OK\r\n"), Close: true}
		case "INFO":
			body := "# Server\r\nredis_version:" + version + "\r\nredis_mode:standalone\r\nos:Linux\r\n"
			return fsm.Step{Next: stateCmd, Reply: []byte("$" + strconv.Itoa(len(body)) + "\r\n" + body + "\r\n"), Event: commandEvent(conn, md, raw)}
		case "COMMAND":
			return fsm.Step{Next: stateCmd, Reply: []byte("*0\r\n"), Event: commandEvent(conn, md, raw)}
		default:
			return fsm.Step{Next: stateCmd, Reply: []byte("-NOAUTH Authentication required.\r\n"), Event: commandEvent(conn, md, raw)}
		}
	}

	m := fsm.Machine{
		Initial: stateCmd,
		Abandoned: func() *event.Capture {
			if len(pending) == 0 {
				return nil
			}
			return abandonedEvent(conn, md, map[string]string{"command": strings.Join(pending, " ")})
		},
		Transition: func(state fsm.State, input []byte) fsm.Step {
			line := string(input)
			if state == stateArgs {
				if strings.HasPrefix(line, "$") {
					// bulk length prefix, the payload follows
					return fsm.Step{Next: stateArgs}
				}
				pending = append(pending, line)
				remaining--
				if remaining > 0 {
					return fsm.Step{Next: stateArgs}
				}
				args := pending
				pending = nil
				return exec(args)
			}
			if strings.HasPrefix(line, "*") {
				n, err := strconv.Atoi(line[1:])
				if err != nil || n <= 0 || n > 64 {
					return fsm.Step{Reply: []byte("-ERR Protocol error: invalid multibulk length\r\n"), Event: malformedEvent(conn, md, map[string]string{"payload": line}), Close: true}
				}
				remaining = n
				pending = nil
				return fsm.Step{Next: stateArgs}
			}
			// inline command
			return exec(strings.Fields(line))
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
