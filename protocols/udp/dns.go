package udp

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// HandleDNS answers any query with a loopback-flavored record and captures
// the names being resolved. Open-resolver probes are the usual traffic here.
func HandleDNS(ctx context.Context, srcAddr, dstAddr *net.UDPAddr, data []byte, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) ([]byte, error) {
	var p dnsmessage.Parser
	header, err := p.Start(data)
	if err != nil {
		h.Emit(*malformedEvent(srcAddr, md, nil))
		return nil, fmt.Errorf("failed to parse DNS query: %w", err)
	}
	questions, err := p.AllQuestions()
	if err != nil {
		h.Emit(*malformedEvent(srcAddr, md, nil))
		return nil, fmt.Errorf("failed to parse DNS questions: %w", err)
	}

	names := make([]string, 0, len(questions))
	for _, q := range questions {
		names = append(names, fmt.Sprintf("%s/%s", strings.TrimSuffix(q.Name.String(), "."), q.Type.String()))
	}
	h.Emit(event.New(protoName(md), srcAddr, event.OutcomeCommand, map[string]string{
		"command": "query",
		"names":   strings.Join(names, ","),
	}))

	if !allowReply(srcAddr) {
		return nil, nil
	}

	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: header.ID, Response: true, Authoritative: true, RecursionAvailable: true},
	}
	for _, q := range questions {
		msg.Questions = append(msg.Questions, q)
		answer := dnsmessage.Resource{
			Header: dnsmessage.ResourceHeader{
				Name:  q.Name,
				Type:  q.Type,
				Class: q.Class,
				TTL:   453,
			},
		}
		switch q.Type {
		case dnsmessage.TypeA:
			answer.Body = &dnsmessage.AResource{A: [4]byte{127, 0, 0, 1}}
		case dnsmessage.TypeAAAA:
			answer.Body = &dnsmessage.AAAAResource{AAAA: [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 127, 0, 0, 1}}
		case dnsmessage.TypeCNAME:
			answer.Body = &dnsmessage.CNAMEResource{CNAME: dnsmessage.MustNewName("localhost.")}
		case dnsmessage.TypeNS:
			answer.Body = &dnsmessage.NSResource{NS: dnsmessage.MustNewName("localhost.")}
		case dnsmessage.TypePTR:
			answer.Body = &dnsmessage.PTRResource{PTR: dnsmessage.MustNewName("localhost.")}
		case dnsmessage.TypeTXT:
			answer.Body = &dnsmessage.TXTResource{TXT: []string{"localhost"}}
		default:
			continue
		}
		msg.Answers = append(msg.Answers, answer)
	}

	buf, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS response: %w", err)
	}
	return buf, nil
}
