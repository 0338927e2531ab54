// Package udp holds the datagram protocol emulators. Each handler consumes
// one inbound datagram and returns the reply payload, or nil when the packet
// should be dropped. Per-source rate limiting lives here so no handler can
// be turned into an amplification reflector.
package udp

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
)

const (
	repliesPerSecond = 3
	replyBurst       = 6
	limiterIdle      = 5 * time.Minute
)

type sourceLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

var (
	limiterMu sync.Mutex
	limiters  = map[string]*sourceLimiter{}
	lastSweep time.Time
)

// allowReply reports whether the source is still under its reply budget.
// Capture is never throttled, only the bytes we send back.
func allowReply(srcAddr *net.UDPAddr) bool {
	limiterMu.Lock()
	defer limiterMu.Unlock()

	now := time.Now()
	if now.Sub(lastSweep) > limiterIdle {
		for ip, sl := range limiters {
			if now.Sub(sl.seen) > limiterIdle {
				delete(limiters, ip)
			}
		}
		lastSweep = now
	}

	ip := srcAddr.IP.String()
	sl, ok := limiters[ip]
	if !ok {
		sl = &sourceLimiter{limiter: rate.NewLimiter(repliesPerSecond, replyBurst)}
		limiters[ip] = sl
	}
	sl.seen = now
	return sl.limiter.Allow()
}

func protoName(md connection.Metadata) string {
	return string(md.Instance.Protocol)
}

func malformedEvent(srcAddr *net.UDPAddr, md connection.Metadata, fields map[string]string) *event.Capture {
	ev := event.New(protoName(md), srcAddr, event.OutcomeMalformed, fields)
	return &ev
}
