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

// HandleMemcache emulates the memcached text protocol. There is no
// credential concept; submitted commands are captured and answered with
// fabricated store state.
func HandleMemcache(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close memcache connection", slog.String("protocol", "memcache"), producer.ErrAttr(err))
		}
	}()

	const (
		stateCmd  fsm.State = "await-command"
		stateData fsm.State = "await-data"
	)

	version := bannerOr(md, "1.6.21")

	m := fsm.Machine{
		Initial: stateCmd,
		Transition: func(state fsm.State, input []byte) fsm.Step {
			line := string(input)
			if state == stateData {
				// value block of a set, swallow and pretend it stuck
				return fsm.Step{Next: stateCmd, Reply: []byte("STORED\r\n")}
			}
			cmd, _ := splitCommand(line)
			switch strings.ToLower(cmd) {
			case "version":
				return fsm.Step{Next: stateCmd, Reply: []byte("VERSION " + version + "\r\n"), Event: commandEvent(conn, md, line)}
			case "stats":
				reply := "STAT pid 1\r\nSTAT uptime 431998\r\nSTAT version " + version + "\r\nSTAT curr_connections 2\r\nEND\r\n"
				return fsm.Step{Next: stateCmd, Reply: []byte(reply), Event: commandEvent(conn, md, line)}
			case "get", "gets":
				return fsm.Step{Next: stateCmd, Reply: []byte("END\r\n"), Event: commandEvent(conn, md, line)}
			case "set", "add", "replace", "append", "prepend":
				return fsm.Step{Next: stateData, Event: commandEvent(conn, md, line)}
			case "delete":
				return fsm.Step{Next: stateCmd, Reply: []byte("NOT_FOUND\r\n"), Event: commandEvent(conn, md, line)}
			case "flush_all":
				return fsm.Step{Next: stateCmd, Reply: []byte("OK\r\n"), Event: commandEvent(conn, md, line)}
			case "quit":
				return fsm.Step{Close: true}
			default:
				return fsm.Step{Next: stateCmd, Reply: []byte("ERROR\r\n"), Event: commandEvent(conn, md, line)}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
