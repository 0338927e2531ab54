package tcp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/google/uuid"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

const sipMaxMessage = 4096

// sipAuthParams pulls quoted parameters out of a Digest Authorization value.
func sipAuthParams(value string) map[string]string {
	out := map[string]string{}
	value = strings.TrimPrefix(value, "Digest ")
	for _, part := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		out[k] = strings.Trim(v, `"`)
	}
	return out
}

// HandleSIP does basic SIP over TCP. OPTIONS probes get a 200, REGISTER is
// challenged with Digest auth; a REGISTER that comes back with an
// Authorization header yields a credential capture.
func HandleSIP(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close SIP connection", slog.String("protocol", "sip"), producer.ErrAttr(err))
		}
	}()

	buffer := make([]byte, sipMaxMessage)
	pp := parser.NewPacketParser(log.NewDefaultLogrusLogger())

	for {
		if err := h.UpdateConnectionTimeout(ctx, conn); err != nil {
			return nil
		}
		n, err := conn.Read(buffer)
		if err != nil {
			return nil
		}

		msg, err := pp.ParseMessage(buffer[:n])
		if err != nil {
			h.Emit(*malformedEvent(conn, md, map[string]string{"payload": string(buffer[:n])}))
			return nil
		}

		req, ok := msg.(sip.Request)
		if !ok {
			continue
		}
		fields := map[string]string{"command": string(req.Method())}
		if from, ok := req.From(); ok {
			fields["from"] = from.Address.String()
		}
		if agents := req.GetHeaders("User-Agent"); len(agents) > 0 {
			fields["user_agent"] = strings.TrimPrefix(agents[0].String(), "User-Agent: ")
		}
		h.Emit(event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCommand, fields))

		var resp sip.Response
		switch req.Method() {
		case sip.OPTIONS:
			resp = sip.NewResponseFromRequest(req.MessageID(), req, http.StatusOK, "", "")
		case sip.REGISTER, sip.INVITE:
			if auth := req.GetHeaders("Authorization"); len(auth) > 0 {
				params := sipAuthParams(strings.TrimPrefix(auth[0].String(), "Authorization: "))
				h.Emit(event.New(protoName(md), conn.RemoteAddr(), event.OutcomeCredentials, map[string]string{
					"username": params["username"],
					"password": params["response"],
					"realm":    params["realm"],
				}))
				resp = sip.NewResponseFromRequest(req.MessageID(), req, http.StatusForbidden, "", "")
			} else {
				resp = sip.NewResponseFromRequest(req.MessageID(), req, http.StatusUnauthorized, "", "")
				resp.AppendHeader(&sip.GenericHeader{
					HeaderName: "WWW-Authenticate",
					Contents:   `Digest realm="asterisk", nonce="` + uuid.New().String() + `", algorithm=MD5`,
				})
			}
		default:
			resp = sip.NewResponseFromRequest(req.MessageID(), req, http.StatusNotImplemented, "", "")
		}
		if _, err := conn.Write([]byte(resp.String())); err != nil {
			return nil
		}
	}
}
