package udp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowReplyBurstThenThrottle(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 20), Port: 5000}
	granted := 0
	for i := 0; i < replyBurst*3; i++ {
		if allowReply(src) {
			granted++
		}
	}
	require.Equal(t, replyBurst, granted, "a burst is allowed, the rest is throttled")

	// other sources are unaffected
	other := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 21), Port: 5000}
	require.True(t, allowReply(other))
}
