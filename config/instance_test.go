package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInstances(t *testing.T) {
	spec := `
version: 1
instances:
  - protocol: ftp
    addr: 127.0.0.1
    banner: "FTP server ready"
    username: admin
    password: hunter2
  - protocol: ssh
    addr: 127.0.0.1
    port: 2222
    max_retries: 5
`
	instances, err := ParseInstances(strings.NewReader(spec))
	require.NoError(t, err)
	require.Len(t, instances, 2)

	require.Equal(t, ProtoFTP, instances[0].Protocol)
	require.Equal(t, uint16(21), instances[0].Port, "omitted port defaults to the well-known one")
	require.Equal(t, 3, instances[0].MaxRetries)
	require.Equal(t, "127.0.0.1:21", instances[0].Address())

	require.Equal(t, uint16(2222), instances[1].Port)
	require.Equal(t, 5, instances[1].MaxRetries)
}

func TestParseInstancesBadVersion(t *testing.T) {
	_, err := ParseInstances(strings.NewReader("version: 7\ninstances: []\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		inst Instance
		ok   bool
	}{
		{"valid", Instance{Protocol: ProtoRedis, Addr: "0.0.0.0", Port: 6379}, true},
		{"unknown protocol", Instance{Protocol: "gopher", Port: 70}, false},
		{"port zero", Instance{Protocol: ProtoFTP}, false},
		{"bad addr", Instance{Protocol: ProtoFTP, Addr: "not-an-ip", Port: 21}, false},
		{"https without certs", Instance{Protocol: ProtoHTTPS, Port: 443}, false},
		{"empty addr means all interfaces", Instance{Protocol: ProtoDNS, Port: 53}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.inst.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				var cfgErr *Error
				require.ErrorAs(t, err, &cfgErr)
			}
		})
	}
}

func TestValidateSetConflicts(t *testing.T) {
	err := ValidateSet([]Instance{
		{Protocol: ProtoFTP, Addr: "127.0.0.1", Port: 2121},
		{Protocol: ProtoTelnet, Addr: "127.0.0.1", Port: 2121},
	})
	require.Error(t, err)

	// same port is fine across transports
	err = ValidateSet([]Instance{
		{Protocol: ProtoFTP, Addr: "127.0.0.1", Port: 5353},
		{Protocol: ProtoDNS, Addr: "127.0.0.1", Port: 5353},
	})
	require.NoError(t, err)
}

func TestTransport(t *testing.T) {
	require.Equal(t, TransportTCP, ProtoMySQL.Transport())
	require.Equal(t, TransportUDP, ProtoDNS.Transport())
	require.Equal(t, TransportUDP, ProtoDHCP.Transport())
}

func TestMatchesLogin(t *testing.T) {
	inst := Instance{Username: "admin", Password: "hunter2"}
	require.True(t, inst.MatchesLogin("admin", "hunter2"))
	require.False(t, inst.MatchesLogin("admin", "wrong"))
	require.False(t, inst.MatchesLogin("", ""))
}
