package udp

import (
	"context"
	"fmt"
	"net"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/fsm"
	"github.com/lurepot/lurepot/protocols/helpers"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

var snmpPDUNames = map[byte]string{
	0xa0: "GetRequest",
	0xa1: "GetNextRequest",
	0xa3: "SetRequest",
	0xa5: "GetBulkRequest",
}

// snmpParse walks just enough BER to pull the version, community string and
// PDU type out of an SNMP message.
func snmpParse(data []byte) (version int, community string, pdu byte, err error) {
	next := func(buf []byte) (tag byte, value, rest []byte, err error) {
		if len(buf) < 2 {
			return 0, nil, nil, fmt.Errorf("%w: truncated element", fsm.ErrBadFrame)
		}
		tag = buf[0]
		length := int(buf[1])
		rest = buf[2:]
		if length&0x80 != 0 {
			n := length & 0x7f
			if n == 0 || n > 2 || len(rest) < n {
				return 0, nil, nil, fmt.Errorf("%w: unsupported length form", fsm.ErrBadFrame)
			}
			length = 0
			for i := 0; i < n; i++ {
				length = length<<8 | int(rest[i])
			}
			rest = rest[n:]
		}
		if length > len(rest) {
			return 0, nil, nil, fmt.Errorf("%w: element overruns message", fsm.ErrBadFrame)
		}
		return tag, rest[:length], rest[length:], nil
	}

	tag, body, _, err := next(data)
	if err != nil {
		return 0, "", 0, err
	}
	if tag != 0x30 {
		return 0, "", 0, fmt.Errorf("%w: not an SNMP message", fsm.ErrBadFrame)
	}
	tag, ver, body, err := next(body)
	if err != nil || tag != 0x02 || len(ver) == 0 {
		return 0, "", 0, fmt.Errorf("%w: missing version", fsm.ErrBadFrame)
	}
	tag, comm, body, err := next(body)
	if err != nil || tag != 0x04 {
		return 0, "", 0, fmt.Errorf("%w: missing community", fsm.ErrBadFrame)
	}
	if len(body) == 0 {
		return 0, "", 0, fmt.Errorf("%w: missing PDU", fsm.ErrBadFrame)
	}
	return int(ver[len(ver)-1]), string(comm), body[0], nil
}

// HandleSNMP captures community strings from v1/v2c requests. The community
// string is a password in all but name, so it lands as a credential event.
// Nothing is ever answered: a silent agent looks filtered, an agent that
// answers GetBulk is an amplifier.
func HandleSNMP(ctx context.Context, srcAddr, dstAddr *net.UDPAddr, data []byte, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) ([]byte, error) {
	version, community, pdu, err := snmpParse(data)
	if err != nil {
		h.Emit(*malformedEvent(srcAddr, md, map[string]string{"payload_hash": helpers.HashData(data)}))
		return nil, err
	}
	name, ok := snmpPDUNames[pdu]
	if !ok {
		name = fmt.Sprintf("0x%02x", pdu)
	}
	h.Emit(event.New(protoName(md), srcAddr, event.OutcomeCredentials, map[string]string{
		"community": community,
		"pdu":       name,
		"version":   fmt.Sprintf("%d", version),
		"status":    helpers.LoginStatus(community == md.Instance.Password),
	}))
	return nil, nil
}
