package udp

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func dhcpDiscover() []byte {
	packet := make([]byte, 240)
	packet[0] = 0x01 // BOOTREQUEST
	packet[1] = 0x01 // ethernet
	packet[2] = 0x06
	copy(packet[4:8], []byte{0xde, 0xad, 0xbe, 0xef})
	copy(packet[28:34], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	copy(packet[236:240], dhcpMagicCookie)
	packet = append(packet, 53, 1, 1) // DISCOVER
	packet = append(packet, 12, 7)
	packet = append(packet, []byte("scanbox")...)
	packet = append(packet, 0xff)
	return packet
}

func TestHandleDHCPDiscoverGetsOffer(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoDHCP)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 40), Port: 68}
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 67}

	reply, err := HandleDHCP(context.Background(), src, dst, dhcpDiscover(), md, mocks.Logger(), h)
	require.NoError(t, err)
	require.NotNil(t, reply)

	require.Equal(t, byte(0x02), reply[0], "BOOTREPLY")
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, reply[4:8], "xid echoed")
	require.Equal(t, net.IP{192, 168, 1, 100}, net.IP(reply[16:20]))
	require.True(t, bytes.Equal(reply[236:240], dhcpMagicCookie))

	commands := h.ByOutcome(event.OutcomeCommand)
	require.Len(t, commands, 1)
	require.Equal(t, "DISCOVER", commands[0].Fields["command"])
	require.Equal(t, "52:54:00:12:34:56", commands[0].Fields["client_mac"])
	require.Equal(t, "scanbox", commands[0].Fields["hostname"])
}

func TestHandleDHCPShortPacket(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoDHCP)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 41), Port: 68}

	_, err := HandleDHCP(context.Background(), src, nil, []byte{0x01, 0x02, 0x03}, md, mocks.Logger(), h)
	require.Error(t, err)
	require.Len(t, h.ByOutcome(event.OutcomeMalformed), 1)
}
