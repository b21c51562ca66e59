// Package proxy decodes the HAProxy PROXY protocol preface (v1 and v2)
// at the front of a connection chain and hands the remaining byte stream,
// annotated with the real client and server addresses, to the next
// protocol on the connector.
//
// See http://www.haproxy.org/download/1.5/doc/proxy-protocol.txt
package proxy

import (
	"strings"

	"github.com/relaymesh/server/transport"
)

// attribute set on the wrapped endpoint when the upstream proxy reports
// the client TLS version in the SSL TLV
const TLS_VERSION = "TLS_VERSION"

const ProtocolName = "proxy"

func DefaultProxySettings() *ProxySettings {
	return &ProxySettings{
		NextProtocol:   "",
		MaxProxyHeader: 1024,
	}
}

type ProxySettings struct {
	// next protocol by name. Empty means the protocol listed immediately
	// after "proxy" in the connector's ordered chain.
	NextProtocol string
	// cap on the v2 payload length
	MaxProxyHeader int
}

// Factory places the preface decoder in front of any other connection
// factory on the connector.
type Factory struct {
	settings *ProxySettings
}

func NewFactoryWithDefaults() *Factory {
	return NewFactory(DefaultProxySettings())
}

func NewFactory(settings *ProxySettings) *Factory {
	return &Factory{
		settings: settings,
	}
}

func (self *Factory) Protocol() string {
	return ProtocolName
}

func (self *Factory) NewConnection(connector *transport.Connector, endpoint transport.Endpoint) transport.Connection {
	next := self.settings.NextProtocol
	if next == "" {
		protocols := connector.Protocols()
		for i, protocol := range protocols {
			if strings.EqualFold(protocol, ProtocolName) {
				// "proxy" last in the chain is a configuration error,
				// caught at decode completion as a missing next protocol
				if i+1 < len(protocols) {
					next = protocols[i+1]
				}
				break
			}
		}
	}
	return newDetectConnection(connector, endpoint, next, self.settings.MaxProxyHeader)
}
