package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// IPP operation ids scanners probe with.
var ippOperations = map[uint16]string{
	0x0002: "Print-Job",
	0x0004: "Validate-Job",
	0x0005: "Create-Job",
	0x000a: "Get-Job-Attributes",
	0x000b: "Get-Jobs",
	0x4002: "CUPS-Get-Printers",
	0x0009: "Get-Printer-Attributes",
}

// HandleIPP emulates a CUPS-style IPP endpoint: HTTP POST carrying a binary
// IPP body. The operation id and request id are parsed and captured, and a
// successful-ok response with no attributes is fabricated.
func HandleIPP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close IPP connection", slog.String("protocol", "ipp"), producer.ErrAttr(err))
		}
	}()

	server := bannerOr(md, "CUPS/2.4")
	r := bufio.NewReader(conn)
	for {
		if err := h.UpdateConnectionTimeout(ctx, conn); err != nil {
			return nil
		}
		req, err := http.ReadRequest(r)
		if err != nil {
			return nil
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, 64*1024))
		req.Body.Close()
		if err != nil || len(body) < 8 {
			h.Emit(*malformedEvent(conn, md, map[string]string{"path": req.URL.Path}))
			return nil
		}

		opID := binary.BigEndian.Uint16(body[2:4])
		requestID := binary.BigEndian.Uint32(body[4:8])
		op, ok := ippOperations[opID]
		if !ok {
			op = fmt.Sprintf("0x%04x", opID)
		}
		h.Emit(*commandEvent(conn, md, op))

		// IPP response: version 2.0, status successful-ok, echoed request
		// id, end-of-attributes tag.
		ipp := make([]byte, 9)
		ipp[0], ipp[1] = 0x02, 0x00
		binary.BigEndian.PutUint16(ipp[2:4], 0x0000)
		binary.BigEndian.PutUint32(ipp[4:8], requestID)
		ipp[8] = 0x03

		reply := fmt.Sprintf("HTTP/1.1 200 OK\r\nServer: %s\r\nContent-Type: application/ipp\r\nContent-Length: %d\r\n\r\n", server, len(ipp))
		if _, err := conn.Write(append([]byte(reply), ipp...)); err != nil {
			return nil
		}
	}
}
