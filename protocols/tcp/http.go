package tcp

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleHTTP emulates a web server guarding everything behind HTTP basic
// auth. Requests without credentials get a 401 challenge; requests with an
// Authorization header get their credentials captured and, on a match, a
// fabricated empty index page. The same handler serves the https protocol:
// the listener hands it an already-unwrapped TLS connection.
func HandleHTTP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close HTTP connection", slog.String("protocol", protoName(md)), producer.ErrAttr(err))
		}
	}()

	server := bannerOr(md, "Apache/2.4.57 (Debian)")
	r := bufio.NewReader(conn)
	for {
		if err := h.UpdateConnectionTimeout(ctx, conn); err != nil {
			return nil
		}
		req, err := http.ReadRequest(r)
		if err != nil {
			return nil
		}
		h.Emit(*commandEvent(conn, md, req.Method+" "+req.URL.RequestURI()))

		username, password, ok := req.BasicAuth()
		if !ok {
			writeHTTPResponse(conn, server, http.StatusUnauthorized, map[string]string{
				"WWW-Authenticate": `Basic realm="index"`,
			}, "<html><head><title>401 Unauthorized</title></head><body><h1>Unauthorized</h1></body></html>\n")
			continue
		}

		h.Emit(*credentialEvent(conn, md, username, password))
		if md.Instance.MatchesLogin(username, password) {
			writeHTTPResponse(conn, server, http.StatusOK, nil, "<html><head><title>Index</title></head><body></body></html>\n")
			return nil
		}
		writeHTTPResponse(conn, server, http.StatusUnauthorized, map[string]string{
			"WWW-Authenticate": `Basic realm="index"`,
		}, "<html><head><title>401 Unauthorized</title></head><body><h1>Unauthorized</h1></body></html>\n")
	}
}

// decodeBasicAuth pulls credentials out of a raw Basic value. Shared with
// the proxy handler, which reads Proxy-Authorization instead.
func decodeBasicAuth(value string) (string, string, bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(value, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", "", false
	}
	username, password, found := strings.Cut(string(raw), ":")
	if !found {
		return "", "", false
	}
	return username, password, true
}

func writeHTTPResponse(conn net.Conn, server string, status int, headers map[string]string, body string) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Server: %s\r\n", server)
	fmt.Fprintf(&b, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	_, _ = conn.Write([]byte(b.String()))
}
