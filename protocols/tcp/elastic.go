package tcp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleElastic emulates an unsecured Elasticsearch node. The root document
// is the fingerprint every scanner checks; all other paths report a missing
// index. Queries are captured as commands.
func HandleElastic(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close elastic connection", slog.String("protocol", "elastic"), producer.ErrAttr(err))
		}
	}()

	version := bannerOr(md, "8.8.0")
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

		var status int
		var body string
		switch req.URL.Path {
		case "/":
			status = http.StatusOK
			body = fmt.Sprintf(`{"name":"node-1","cluster_name":"elasticsearch","cluster_uuid":%q,"version":{"number":%q,"build_flavor":"default","build_type":"deb","lucene_version":"9.6.0"},"tagline":"You Know, for Search"}`, uuid.New().String(), version)
		case "/_cat/indices", "/_cat/indices/":
			status = http.StatusOK
			body = ""
		default:
			status = http.StatusNotFound
			body = fmt.Sprintf(`{"error":{"type":"index_not_found_exception","reason":"no such index [%s]"},"status":404}`, req.URL.Path)
		}

		reply := fmt.Sprintf("HTTP/1.1 %d %s\r\nX-elastic-product: Elasticsearch\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
			status, http.StatusText(status), len(body), body)
		if _, err := conn.Write([]byte(reply)); err != nil {
			return nil
		}
	}
}
