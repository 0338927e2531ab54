package udp

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func TestHandleNTPClientRequest(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoNTP)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 30), Port: 123}

	request := make([]byte, 48)
	request[0] = 4<<3 | 3 // version 4, client mode
	copy(request[40:48], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	reply, err := HandleNTP(context.Background(), src, nil, request, md, mocks.Logger(), h)
	require.NoError(t, err)
	require.Len(t, reply, 48)
	require.Equal(t, byte(4), reply[0]&0x07, "server mode")
	require.Equal(t, byte(2), reply[1], "stratum 2")
	require.Equal(t, request[40:48], reply[24:32], "originate echoes client transmit")

	commands := h.ByOutcome(event.OutcomeCommand)
	require.Len(t, commands, 1)
	require.Equal(t, "mode-3", commands[0].Fields["command"])
}

func TestHandleNTPMonlistProbeGetsNoReply(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoNTP)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 31), Port: 123}

	request := make([]byte, 48)
	request[0] = 2<<3 | 7 // mode 7, private

	reply, err := HandleNTP(context.Background(), src, nil, request, md, mocks.Logger(), h)
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Len(t, h.ByOutcome(event.OutcomeCommand), 1)
}

func TestHandleNTPShortPacket(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoNTP)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 32), Port: 123}

	_, err := HandleNTP(context.Background(), src, nil, []byte{0x1b}, md, mocks.Logger(), h)
	require.Error(t, err)
	require.Len(t, h.ByOutcome(event.OutcomeMalformed), 1)
}
