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

// GetRequest for 1.3.6.1.2.1.1.1.0 with community "public", SNMPv2c
var snmpGetRequest = []byte{
	0x30, 0x29,
	0x02, 0x01, 0x01, // version 2c
	0x04, 0x06, 'p', 'u', 'b', 'l', 'i', 'c',
	0xa0, 0x1c,
	0x02, 0x04, 0x12, 0x34, 0x56, 0x78,
	0x02, 0x01, 0x00,
	0x02, 0x01, 0x00,
	0x30, 0x0e,
	0x30, 0x0c,
	0x06, 0x08, 0x2b, 0x06, 0x01, 0x02, 0x01, 0x01, 0x01, 0x00,
	0x05, 0x00,
}

func TestHandleSNMPCapturesCommunity(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoSNMP)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 40), Port: 161}

	reply, err := HandleSNMP(context.Background(), src, nil, snmpGetRequest, md, mocks.Logger(), h)
	require.NoError(t, err)
	require.Nil(t, reply, "the agent never answers")

	creds := h.ByOutcome(event.OutcomeCredentials)
	require.Len(t, creds, 1)
	require.Equal(t, "public", creds[0].Fields["community"])
	require.Equal(t, "GetRequest", creds[0].Fields["pdu"])
	require.Equal(t, "success", creds[0].Fields["status"])
}

func TestHandleSNMPGarbage(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoSNMP)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 41), Port: 161}

	_, err := HandleSNMP(context.Background(), src, nil, []byte("GET / HTTP/1.1"), md, mocks.Logger(), h)
	require.Error(t, err)
	require.Len(t, h.ByOutcome(event.OutcomeMalformed), 1)
}
