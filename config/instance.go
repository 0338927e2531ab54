package config

import (
	"fmt"
	"io"
	"net"
	"strconv"

	yaml "gopkg.in/yaml.v2"
)

// Protocol identifies one emulated service. The set is closed: the
// supervisor refuses configs carrying a protocol it has no handler for.
type Protocol string

const (
	ProtoFTP       Protocol = "ftp"
	ProtoSSH       Protocol = "ssh"
	ProtoTelnet    Protocol = "telnet"
	ProtoSMTP      Protocol = "smtp"
	ProtoPOP3      Protocol = "pop3"
	ProtoIMAP      Protocol = "imap"
	ProtoHTTP      Protocol = "http"
	ProtoHTTPS     Protocol = "https"
	ProtoHTTPProxy Protocol = "httpproxy"
	ProtoRedis     Protocol = "redis"
	ProtoMemcache  Protocol = "memcache"
	ProtoMySQL     Protocol = "mysql"
	ProtoPostgres  Protocol = "postgres"
	ProtoMSSQL     Protocol = "mssql"
	ProtoOracle    Protocol = "oracle"
	ProtoLDAP      Protocol = "ldap"
	ProtoSMB       Protocol = "smb"
	ProtoRDP       Protocol = "rdp"
	ProtoVNC       Protocol = "vnc"
	ProtoSIP       Protocol = "sip"
	ProtoSOCKS5    Protocol = "socks5"
	ProtoIRC       Protocol = "irc"
	ProtoPJL       Protocol = "pjl"
	ProtoIPP       Protocol = "ipp"
	ProtoElastic   Protocol = "elastic"
	ProtoHL7       Protocol = "hl7"
	ProtoDICOM     Protocol = "dicom"
	ProtoDNS       Protocol = "dns"
	ProtoNTP       Protocol = "ntp"
	ProtoSNMP      Protocol = "snmp"
	ProtoDHCP      Protocol = "dhcp"
)

// Transport is the socket family an instance binds.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

var defaultPorts = map[Protocol]uint16{
	ProtoFTP:       21,
	ProtoSSH:       22,
	ProtoTelnet:    23,
	ProtoSMTP:      25,
	ProtoPOP3:      110,
	ProtoIMAP:      143,
	ProtoHTTP:      80,
	ProtoHTTPS:     443,
	ProtoHTTPProxy: 8080,
	ProtoRedis:     6379,
	ProtoMemcache:  11211,
	ProtoMySQL:     3306,
	ProtoPostgres:  5432,
	ProtoMSSQL:     1433,
	ProtoOracle:    1521,
	ProtoLDAP:      389,
	ProtoSMB:       445,
	ProtoRDP:       3389,
	ProtoVNC:       5900,
	ProtoSIP:       5060,
	ProtoSOCKS5:    1080,
	ProtoIRC:       6667,
	ProtoPJL:       9100,
	ProtoIPP:       631,
	ProtoElastic:   9200,
	ProtoHL7:       2575,
	ProtoDICOM:     11112,
	ProtoDNS:       53,
	ProtoNTP:       123,
	ProtoSNMP:      161,
	ProtoDHCP:      67,
}

var udpProtocols = map[Protocol]bool{
	ProtoDNS:  true,
	ProtoNTP:  true,
	ProtoSNMP: true,
	ProtoDHCP: true,
}

// Known reports whether p is part of the supported protocol set.
func (p Protocol) Known() bool {
	_, ok := defaultPorts[p]
	return ok
}

// Transport returns the socket family the protocol runs on.
func (p Protocol) Transport() Transport {
	if udpProtocols[p] {
		return TransportUDP
	}
	return TransportTCP
}

// DefaultPort returns the well-known port of the impersonated service.
func (p Protocol) DefaultPort() uint16 {
	return defaultPorts[p]
}

// Instance describes one honeypot instance. It is immutable once handed to
// the supervisor.
type Instance struct {
	Protocol   Protocol `yaml:"protocol" mapstructure:"protocol"`
	Addr       string   `yaml:"addr" mapstructure:"addr"`
	Port       uint16   `yaml:"port" mapstructure:"port"`
	Banner     string   `yaml:"banner" mapstructure:"banner"`
	Username   string   `yaml:"username" mapstructure:"username"`
	Password   string   `yaml:"password" mapstructure:"password"`
	MaxRetries int      `yaml:"max_retries" mapstructure:"max_retries"`
	TLSCert    string   `yaml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey     string   `yaml:"tls_key" mapstructure:"tls_key"`
}

// Error reports an invalid or missing instance field. It is returned before
// any socket is touched.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid instance config: %s: %s", e.Field, e.Reason)
}

// Address returns the host:port the instance binds.
func (i Instance) Address() string {
	return net.JoinHostPort(i.Addr, strconv.Itoa(int(i.Port)))
}

// MatchesLogin compares submitted credentials against the configured valid
// pair. The result only colors the fabricated response and the event's
// status field, capture happens either way.
func (i Instance) MatchesLogin(username, password string) bool {
	return username == i.Username && password == i.Password
}

// Validate checks the instance before it is allowed near a socket.
func (i Instance) Validate() error {
	if !i.Protocol.Known() {
		return &Error{Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", string(i.Protocol))}
	}
	if i.Port == 0 {
		return &Error{Field: "port", Reason: "port 0 is not allowed"}
	}
	if i.Addr != "" && net.ParseIP(i.Addr) == nil {
		return &Error{Field: "addr", Reason: fmt.Sprintf("%q is not an IP address", i.Addr)}
	}
	if i.Protocol == ProtoHTTPS && (i.TLSCert == "" || i.TLSKey == "") {
		return &Error{Field: "tls_cert", Reason: "https requires tls_cert and tls_key"}
	}
	return nil
}

type instanceSpec struct {
	Version   int        `yaml:"version"`
	Instances []Instance `yaml:"instances"`
}

// ParseInstances reads an instance list from YAML. Omitted ports default to
// the protocol's well-known port; omitted retry ceilings default to 3.
func ParseInstances(r io.Reader) ([]Instance, error) {
	spec := &instanceSpec{}
	if err := yaml.NewDecoder(r).Decode(spec); err != nil {
		return nil, err
	}
	if spec.Version == 0 {
		spec.Version = 1
	}
	if spec.Version != 1 {
		return nil, fmt.Errorf("unsupported instances version: %d", spec.Version)
	}
	for idx := range spec.Instances {
		if spec.Instances[idx].Port == 0 {
			spec.Instances[idx].Port = spec.Instances[idx].Protocol.DefaultPort()
		}
		if spec.Instances[idx].MaxRetries == 0 {
			spec.Instances[idx].MaxRetries = 3
		}
	}
	if err := ValidateSet(spec.Instances); err != nil {
		return nil, err
	}
	return spec.Instances, nil
}

// ValidateSet validates each instance and rejects conflicting bind
// addresses across the set.
func ValidateSet(instances []Instance) error {
	seen := map[string]Protocol{}
	for _, inst := range instances {
		if err := inst.Validate(); err != nil {
			return err
		}
		key := string(inst.Protocol.Transport()) + "/" + inst.Address()
		if other, ok := seen[key]; ok {
			return &Error{
				Field:  "port",
				Reason: fmt.Sprintf("%s conflicts with %s on %s", inst.Protocol, other, inst.Address()),
			}
		}
		seen[key] = inst.Protocol
	}
	return nil
}
