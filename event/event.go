package event

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a handshake ended.
type Outcome string

const (
	// OutcomeCredentials marks an event carrying captured login material.
	OutcomeCredentials Outcome = "credentials-captured"
	// OutcomeCommand marks an event carrying a captured command or query.
	OutcomeCommand Outcome = "command-captured"
	// OutcomeMalformed marks input that did not fit the protocol's framing.
	OutcomeMalformed Outcome = "malformed-input"
	// OutcomeAbandoned marks a peer that went away mid-handshake.
	OutcomeAbandoned Outcome = "handshake-abandoned"
)

// Capture is a single observation from a protocol handler. It is immutable
// once built and owned by the sink after Emit.
type Capture struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	SourceIP   string            `json:"source_ip"`
	SourcePort string            `json:"source_port"`
	Protocol   string            `json:"protocol"`
	Outcome    Outcome           `json:"outcome"`
	Fields     map[string]string `json:"fields"`
	SensorID   string            `json:"sensor_id,omitempty"`
}

// New builds a capture for the given remote address.
func New(protocol string, addr net.Addr, outcome Outcome, fields map[string]string) Capture {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return Capture{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		SourceIP:   host,
		SourcePort: port,
		Protocol:   protocol,
		Outcome:    outcome,
		Fields:     fields,
	}
}
