// Package protocols maps each emulated protocol to its handler. The
// listener looks handlers up here instead of knowing any protocol by name.
package protocols

import (
	"context"
	"net"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/protocols/interfaces"
	"github.com/lurepot/lurepot/protocols/tcp"
	"github.com/lurepot/lurepot/protocols/udp"
)

// TCPHandlerFunc drives one accepted stream connection to completion.
type TCPHandlerFunc func(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error

// UDPHandlerFunc consumes one datagram and returns the reply payload, or nil
// for silence.
type UDPHandlerFunc func(ctx context.Context, srcAddr, dstAddr *net.UDPAddr, data []byte, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) ([]byte, error)

// MapTCPProtocolHandlers returns the stream protocol table.
func MapTCPProtocolHandlers() map[config.Protocol]TCPHandlerFunc {
	return map[config.Protocol]TCPHandlerFunc{
		config.ProtoFTP:       tcp.HandleFTP,
		config.ProtoSSH:       tcp.HandleSSH,
		config.ProtoTelnet:    tcp.HandleTelnet,
		config.ProtoSMTP:      tcp.HandleSMTP,
		config.ProtoPOP3:      tcp.HandlePOP3,
		config.ProtoIMAP:      tcp.HandleIMAP,
		config.ProtoHTTP:      tcp.HandleHTTP,
		config.ProtoHTTPS:     tcp.HandleHTTP,
		config.ProtoHTTPProxy: tcp.HandleHTTPProxy,
		config.ProtoRedis:     tcp.HandleRedis,
		config.ProtoMemcache:  tcp.HandleMemcache,
		config.ProtoMySQL:     tcp.HandleMySQL,
		config.ProtoPostgres:  tcp.HandlePostgres,
		config.ProtoMSSQL:     tcp.HandleMSSQL,
		config.ProtoOracle:    tcp.HandleOracle,
		config.ProtoLDAP:      tcp.HandleLDAP,
		config.ProtoSMB:       tcp.HandleSMB,
		config.ProtoRDP:       tcp.HandleRDP,
		config.ProtoVNC:       tcp.HandleVNC,
		config.ProtoSIP:       tcp.HandleSIP,
		config.ProtoSOCKS5:    tcp.HandleSOCKS5,
		config.ProtoIRC:       tcp.HandleIRC,
		config.ProtoPJL:       tcp.HandlePJL,
		config.ProtoIPP:       tcp.HandleIPP,
		config.ProtoElastic:   tcp.HandleElastic,
		config.ProtoHL7:       tcp.HandleHL7,
		config.ProtoDICOM:     tcp.HandleDICOM,
	}
}

// MapUDPProtocolHandlers returns the datagram protocol table.
func MapUDPProtocolHandlers() map[config.Protocol]UDPHandlerFunc {
	return map[config.Protocol]UDPHandlerFunc{
		config.ProtoDNS:  udp.HandleDNS,
		config.ProtoNTP:  udp.HandleNTP,
		config.ProtoSNMP: udp.HandleSNMP,
		config.ProtoDHCP: udp.HandleDHCP,
	}
}
