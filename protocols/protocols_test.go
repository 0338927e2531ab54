package protocols

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
)

// every protocol the config layer accepts must resolve to a handler on the
// matching transport
func TestHandlerTablesCoverProtocolSet(t *testing.T) {
	tcpHandlers := MapTCPProtocolHandlers()
	udpHandlers := MapUDPProtocolHandlers()

	for _, proto := range []config.Protocol{
		config.ProtoFTP, config.ProtoSSH, config.ProtoTelnet, config.ProtoSMTP,
		config.ProtoPOP3, config.ProtoIMAP, config.ProtoHTTP, config.ProtoHTTPS,
		config.ProtoHTTPProxy, config.ProtoRedis, config.ProtoMemcache,
		config.ProtoMySQL, config.ProtoPostgres, config.ProtoMSSQL,
		config.ProtoOracle, config.ProtoLDAP, config.ProtoSMB, config.ProtoRDP,
		config.ProtoVNC, config.ProtoSIP, config.ProtoSOCKS5, config.ProtoIRC,
		config.ProtoPJL, config.ProtoIPP, config.ProtoElastic, config.ProtoHL7,
		config.ProtoDICOM, config.ProtoDNS, config.ProtoNTP, config.ProtoSNMP,
		config.ProtoDHCP,
	} {
		require.True(t, proto.Known(), "%s missing from the known set", proto)
		switch proto.Transport() {
		case config.TransportTCP:
			require.Contains(t, tcpHandlers, proto)
			require.NotContains(t, udpHandlers, proto)
		case config.TransportUDP:
			require.Contains(t, udpHandlers, proto)
			require.NotContains(t, tcpHandlers, proto)
		}
	}
}
