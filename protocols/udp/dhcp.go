package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

var dhcpMagicCookie = []byte{0x63, 0x82, 0x53, 0x63}

var dhcpMessageTypes = map[byte]string{
	1: "DISCOVER",
	2: "OFFER",
	3: "REQUEST",
	5: "ACK",
	7: "RELEASE",
	8: "INFORM",
}

// dhcpOptions decodes the option TLVs that follow the magic cookie.
func dhcpOptions(data []byte) map[byte][]byte {
	out := map[byte][]byte{}
	for i := 0; i < len(data); {
		code := data[i]
		if code == 0x00 { // pad
			i++
			continue
		}
		if code == 0xff { // end
			break
		}
		if i+1 >= len(data) {
			break
		}
		length := int(data[i+1])
		if i+2+length > len(data) {
			break
		}
		out[code] = data[i+2 : i+2+length]
		i += 2 + length
	}
	return out
}

// HandleDHCP watches for rogue-DHCP probes. DISCOVER and REQUEST messages
// are captured with the client MAC and requested hostname; a DISCOVER gets a
// fabricated OFFER so the prober believes a live server is present.
func HandleDHCP(ctx context.Context, srcAddr, dstAddr *net.UDPAddr, data []byte, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) ([]byte, error) {
	if len(data) < 240 || !bytes.Equal(data[236:240], dhcpMagicCookie) {
		h.Emit(*malformedEvent(srcAddr, md, map[string]string{"length": fmt.Sprintf("%d", len(data))}))
		return nil, fmt.Errorf("short or cookieless DHCP packet")
	}
	if data[0] != 0x01 { // only BOOTREQUEST
		return nil, nil
	}

	options := dhcpOptions(data[240:])
	msgType := byte(0)
	if t, ok := options[53]; ok && len(t) == 1 {
		msgType = t[0]
	}
	name, ok := dhcpMessageTypes[msgType]
	if !ok {
		name = fmt.Sprintf("type-%d", msgType)
	}

	mac := net.HardwareAddr(data[28:34]).String()
	fields := map[string]string{
		"command":    name,
		"client_mac": mac,
	}
	if hostname, ok := options[12]; ok {
		fields["hostname"] = string(hostname)
	}
	if reqIP, ok := options[50]; ok && len(reqIP) == 4 {
		fields["requested_ip"] = net.IP(reqIP).String()
	}
	h.Emit(event.New(protoName(md), srcAddr, event.OutcomeCommand, fields))

	if msgType != 1 { // only DISCOVER is answered
		return nil, nil
	}
	if !allowReply(srcAddr) {
		return nil, nil
	}

	serverIP := net.ParseIP(md.Instance.Addr).To4()
	if serverIP == nil {
		serverIP = net.IP{192, 168, 1, 1}
	}
	offered := net.IP{192, 168, 1, 100}

	reply := make([]byte, 240)
	reply[0] = 0x02 // BOOTREPLY
	reply[1], reply[2] = data[1], data[2]
	copy(reply[4:8], data[4:8])     // xid
	copy(reply[16:20], offered)     // yiaddr
	copy(reply[20:24], serverIP)    // siaddr
	copy(reply[28:44], data[28:44]) // chaddr
	copy(reply[236:240], dhcpMagicCookie)

	opts := &bytes.Buffer{}
	opts.Write([]byte{53, 1, 2}) // OFFER
	opts.Write(append([]byte{54, 4}, serverIP...))
	opts.Write([]byte{51, 4})
	binary.Write(opts, binary.BigEndian, uint32(86400))
	opts.Write([]byte{1, 4, 255, 255, 255, 0})
	opts.Write(append([]byte{3, 4}, serverIP...))
	opts.WriteByte(0xff)
	return append(reply, opts.Bytes()...), nil
}
