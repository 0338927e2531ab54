package udp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// seconds between the NTP epoch (1900) and the Unix epoch (1970)
const ntpUnixOffset = 2208988800

func ntpTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpUnixOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// HandleNTP answers client-mode requests as a stratum-2 server. Mode-7
// monlist probes, the classic amplification vector, are captured and
// dropped.
func HandleNTP(ctx context.Context, srcAddr, dstAddr *net.UDPAddr, data []byte, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) ([]byte, error) {
	if len(data) < 48 {
		h.Emit(*malformedEvent(srcAddr, md, map[string]string{"length": fmt.Sprintf("%d", len(data))}))
		return nil, fmt.Errorf("short NTP packet: %d bytes", len(data))
	}

	version := data[0] >> 3 & 0x07
	mode := data[0] & 0x07
	h.Emit(event.New(protoName(md), srcAddr, event.OutcomeCommand, map[string]string{
		"command": fmt.Sprintf("mode-%d", mode),
		"version": fmt.Sprintf("%d", version),
	}))

	// only symmetric-active and client requests get an answer
	if mode != 1 && mode != 3 {
		return nil, nil
	}
	if !allowReply(srcAddr) {
		return nil, nil
	}

	now := time.Now()
	reply := make([]byte, 48)
	reply[0] = version<<3 | 4 // leap 0, server mode
	reply[1] = 2              // stratum
	reply[2] = data[2]        // poll echoed
	reply[3] = 0xec           // precision
	copy(reply[12:16], "GPS\x00")
	binary.BigEndian.PutUint64(reply[16:24], ntpTimestamp(now.Add(-2*time.Second)))
	copy(reply[24:32], data[40:48]) // originate = client transmit
	binary.BigEndian.PutUint64(reply[32:40], ntpTimestamp(now))
	binary.BigEndian.PutUint64(reply[40:48], ntpTimestamp(now))
	return reply, nil
}
