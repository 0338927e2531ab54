package tcp

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleHTTPProxy emulates an authenticating forward proxy. CONNECT and
// absolute-URI requests are captured; credentials arrive in the
// Proxy-Authorization header after the 407 challenge. Nothing is ever
// actually proxied.
func HandleHTTPProxy(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close proxy connection", slog.String("protocol", "httpproxy"), producer.ErrAttr(err))
		}
	}()

	server := bannerOr(md, "squid/5.7")
	r := bufio.NewReader(conn)
	for {
		if err := h.UpdateConnectionTimeout(ctx, conn); err != nil {
			return nil
		}
		req, err := http.ReadRequest(r)
		if err != nil {
			return nil
		}
		target := req.Host
		if req.Method != http.MethodConnect {
			target = req.URL.String()
		}
		h.Emit(*commandEvent(conn, md, req.Method+" "+target))

		if auth := req.Header.Get("Proxy-Authorization"); auth != "" {
			username, password, ok := decodeBasicAuth(auth)
			if !ok {
				h.Emit(*malformedEvent(conn, md, map[string]string{"payload": auth}))
				writeHTTPResponse(conn, server, http.StatusBadRequest, nil, "")
				return nil
			}
			h.Emit(*credentialEvent(conn, md, username, password))
			if md.Instance.MatchesLogin(username, password) {
				// fabricate a dead tunnel: accept, then starve the client
				if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
					return nil
				}
				continue
			}
		}
		writeHTTPResponse(conn, server, http.StatusProxyAuthRequired, map[string]string{
			"Proxy-Authenticate": `Basic realm="proxy"`,
		}, "<html><head><title>407 Proxy Authentication Required</title></head><body></body></html>\n")
	}
}
