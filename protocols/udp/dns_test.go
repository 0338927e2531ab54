package udp

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/protocols/mocks"
)

func testUDPMetadata(proto config.Protocol) connection.Metadata {
	return connection.Metadata{
		SrcIP: "203.0.113.9",
		Instance: &config.Instance{
			Protocol: proto,
			Port:     proto.DefaultPort(),
			Password: "public",
		},
	}
}

func TestHandleDNSAnswersAQuery(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoDNS)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 5353}
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}

	query := dnsmessage.Message{
		Header: dnsmessage.Header{ID: 4242, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  dnsmessage.MustNewName("files.example.com."),
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := query.Pack()
	require.NoError(t, err)

	reply, err := HandleDNS(context.Background(), src, dst, packed, md, mocks.Logger(), h)
	require.NoError(t, err)
	require.NotNil(t, reply)

	var resp dnsmessage.Message
	require.NoError(t, resp.Unpack(reply))
	require.True(t, resp.Header.Response)
	require.Equal(t, uint16(4242), resp.Header.ID)
	require.Len(t, resp.Answers, 1)
	a, ok := resp.Answers[0].Body.(*dnsmessage.AResource)
	require.True(t, ok)
	require.Equal(t, [4]byte{127, 0, 0, 1}, a.A)

	commands := h.ByOutcome(event.OutcomeCommand)
	require.Len(t, commands, 1)
	require.Contains(t, commands[0].Fields["names"], "files.example.com")
}

func TestHandleDNSMalformed(t *testing.T) {
	h := mocks.NewHoneypot()
	md := testUDPMetadata(config.ProtoDNS)
	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 10), Port: 5353}

	_, err := HandleDNS(context.Background(), src, nil, []byte{0x01, 0x02}, md, mocks.Logger(), h)
	require.Error(t, err)
	require.Len(t, h.ByOutcome(event.OutcomeMalformed), 1)
}
