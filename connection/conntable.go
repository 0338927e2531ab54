package connection

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/lurepot/lurepot/config"
)

// CKey identifies a peer flow by hashed address endpoints.
type CKey [2]uint64

func newConnKey(clientAddr, clientPort gopacket.Endpoint) (CKey, error) {
	if t := clientAddr.EndpointType(); t != layers.EndpointIPv4 && t != layers.EndpointIPv6 {
		return CKey{}, errors.New("clientAddr endpoint must be an IP endpoint")
	}
	if clientPort.EndpointType() != layers.EndpointTCPPort {
		return CKey{}, errors.New("clientPort endpoint must be of type layers.EndpointTCPPort")
	}
	return CKey{clientAddr.FastHash(), clientPort.FastHash()}, nil
}

// NewConnKeyByString builds a flow key from a peer host and port. IPv4 and
// IPv6 sources both key the table; a v4 address always hashes through its
// 4-byte form so dual-stack peers do not split into two flows.
func NewConnKeyByString(host, port string) (CKey, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return CKey{}, fmt.Errorf("%q is not an IP address", host)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return CKey{}, err
	}
	return newConnKey(layers.NewIPEndpoint(ip), layers.NewTCPPortEndpoint(layers.TCPPort(p)))
}

// NewConnKeyFromNetConn builds a flow key from an accepted connection.
func NewConnKeyFromNetConn(conn net.Conn) (CKey, error) {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return CKey{}, err
	}
	return NewConnKeyByString(host, port)
}

// Metadata is the per-connection context handed to a protocol handler. It is
// owned by exactly one handler invocation and never shared across
// connections.
type Metadata struct {
	Added      time.Time
	SrcIP      string
	SrcPort    string
	TargetPort uint16
	// Visits counts prior connections from the same source to this sensor,
	// so repeat scanners can be told apart from one-off probes.
	Visits   int
	Instance *config.Instance
}

// Table tracks recent peer flows across all instances. The supervisor owns
// the single table; handlers only ever see the Metadata value cut for them.
type Table struct {
	table map[CKey]*Metadata
	mtx   sync.RWMutex
}

func New() *Table {
	return &Table{
		table: make(map[CKey]*Metadata, 1024),
	}
}

// RegisterConn records an accepted connection and returns its metadata.
func (t *Table) RegisterConn(conn net.Conn, inst *config.Instance) (Metadata, error) {
	srcIP, srcPort, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to split remote address: %w", err)
	}
	return t.Register(srcIP, srcPort, inst)
}

// Register records a flow and returns the metadata for this visit.
func (t *Table) Register(srcIP, srcPort string, inst *config.Instance) (Metadata, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	ck, err := NewConnKeyByString(srcIP, srcPort)
	if err != nil {
		return Metadata{}, err
	}

	md, ok := t.table[ck]
	if !ok {
		md = &Metadata{}
		t.table[ck] = md
	}
	md.Added = time.Now()
	md.SrcIP = srcIP
	md.SrcPort = srcPort
	md.Visits++
	if inst != nil {
		md.TargetPort = inst.Port
	}

	return Metadata{
		Added:      md.Added,
		SrcIP:      srcIP,
		SrcPort:    srcPort,
		TargetPort: md.TargetPort,
		Visits:     md.Visits,
		Instance:   inst,
	}, nil
}

// FlushOlderThan drops flows idle for longer than s.
func (t *Table) FlushOlderThan(s time.Duration) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	threshold := time.Now().Add(-1 * s)
	for ck, md := range t.table {
		if md.Added.Before(threshold) {
			delete(t.table, ck)
		}
	}
}

// Get returns the tracked flow for a key, or nil.
func (t *Table) Get(ck CKey) *Metadata {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.table[ck]
}
