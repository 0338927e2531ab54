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

// HandlePJL emulates a JetDirect-style printer port. PJL job language has
// no credential concept; every command is captured.
func HandlePJL(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close PJL connection", slog.String("protocol", "pjl"), producer.ErrAttr(err))
		}
	}()

	const stateCmd fsm.State = "await-command"

	model := bannerOr(md, "LASERJET 4200")

	m := fsm.Machine{
		Initial: stateCmd,
		Transition: func(state fsm.State, input []byte) fsm.Step {
			// strip the UEL escape prefix printers send before PJL
			line := strings.TrimPrefix(string(input), "\x1b%-12345X")
			if line == "" {
				return fsm.Step{Next: stateCmd}
			}
			upper := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(upper, "@PJL INFO ID"):
				return fsm.Step{Next: stateCmd, Reply: []byte("@PJL INFO ID\r\n\"" + model + "\"\r\n\x1b"), Event: commandEvent(conn, md, line)}
			case strings.HasPrefix(upper, "@PJL INFO STATUS"):
				return fsm.Step{Next: stateCmd, Reply: []byte("@PJL INFO STATUS\r\nCODE=10001\r\nDISPLAY=\"Ready\"\r\nONLINE=TRUE\r\n\x1b"), Event: commandEvent(conn, md, line)}
			case strings.HasPrefix(upper, "@PJL"):
				return fsm.Step{Next: stateCmd, Event: commandEvent(conn, md, line)}
			default:
				// raw print data, swallow it like a busy printer would
				return fsm.Step{Next: stateCmd, Event: commandEvent(conn, md, line)}
			}
		},
	}
	return fsm.RunLines(ctx, conn, m, h)
}
