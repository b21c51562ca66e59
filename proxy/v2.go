package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/golang/glog"

	"github.com/relaymesh/server/transport"
)

type v2Family int

const (
	familyUnspec v2Family = 0
	familyInet   v2Family = 1
	familyInet6  v2Family = 2
	familyUnix   v2Family = 3
)

type v2Transport int

const (
	transportUnspec v2Transport = 0
	transportStream v2Transport = 1
	transportDgram  v2Transport = 2
)

// struct proxy_hdr_v2 {
//     uint8_t sig[12];  /* hex 0D 0A 0D 0A 00 0D 0A 51 55 49 54 0A */
//     uint8_t ver_cmd;  /* protocol version and command */
//     uint8_t fam;      /* protocol family and address */
//     uint16_t len;     /* number of following bytes part of the header */
// };
var v2Magic = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	tlvTypeAlpn      = 0x01
	tlvTypeAuthority = 0x02
	tlvTypeCrc32c    = 0x03
	tlvTypeNoop      = 0x04
	tlvTypeSsl       = 0x20
	tlvTypeNetNs     = 0x30

	tlvSubtypeSslVersion = 0x21

	sslClientSsl = 0x01
)

// v2Connection reads the declared payload after the 16 byte binary
// header, extracts the addresses for INET/INET6, walks the optional
// TLVs, and upgrades to the next protocol.
type v2Connection struct {
	connector *transport.Connector
	endpoint  transport.Endpoint
	next      string

	local     bool
	family    v2Family
	transport v2Transport
	length    int
	payload   []byte
	filled    int
}

// newV2Connection validates the fixed header from the 16 seed bytes.
// Any violation is fatal before the connection is ever bound.
func newV2Connection(connector *transport.Connector, endpoint transport.Endpoint, next string, maxProxyHeader int, seed []byte) (*v2Connection, error) {
	if len(seed) != 16 {
		return nil, fmt.Errorf("Bad PROXY protocol v2 header size %d", len(seed))
	}

	if !bytes.Equal(seed[0:12], v2Magic) {
		return nil, fmt.Errorf("Bad PROXY protocol v2 signature")
	}

	verCmd := seed[12]
	if verCmd&0xF0 != 0x20 {
		return nil, fmt.Errorf("Bad PROXY protocol v2 version")
	}
	var local bool
	switch verCmd & 0x0F {
	case 0x00:
		local = true
	case 0x01:
		local = false
	default:
		return nil, fmt.Errorf("Bad PROXY protocol v2 command")
	}

	famTrans := seed[13]
	var family v2Family
	switch famTrans >> 4 {
	case 0:
		family = familyUnspec
	case 1:
		family = familyInet
	case 2:
		family = familyInet6
	case 3:
		family = familyUnix
	default:
		return nil, fmt.Errorf("Bad PROXY protocol v2 family")
	}
	var trans v2Transport
	switch famTrans & 0x0F {
	case 0:
		trans = transportUnspec
	case 1:
		trans = transportStream
	case 2:
		trans = transportDgram
	default:
		return nil, fmt.Errorf("Bad PROXY protocol v2 transport")
	}

	// the length field is unsigned, 0..65535
	length := int(binary.BigEndian.Uint16(seed[14:16]))

	if !local && (family == familyUnspec || family == familyUnix || trans != transportStream) {
		return nil, fmt.Errorf("Unsupported PROXY protocol v2 mode 0x%x,0x%x", verCmd, famTrans)
	}

	if maxProxyHeader < length {
		return nil, fmt.Errorf("Unsupported PROXY protocol v2 mode 0x%x,0x%x,0x%x", verCmd, famTrans, length)
	}

	return &v2Connection{
		connector: connector,
		endpoint:  endpoint,
		next:      next,
		local:     local,
		family:    family,
		transport: trans,
		length:    length,
		payload:   make([]byte, length),
	}, nil
}

func (self *v2Connection) OnOpen() {
	if self.filled == self.length {
		self.nextProtocol()
	} else {
		self.endpoint.FillInterested()
	}
}

func (self *v2Connection) OnFillable() {
	for self.filled < self.length {
		n, err := self.endpoint.Fill(self.payload[self.filled:])
		if err == io.EOF {
			self.endpoint.ShutdownOutput()
			return
		}
		if err != nil {
			glog.Warningf("[pp]error for %s = %s\n", self.endpoint, err)
			self.endpoint.Close()
			return
		}
		if n == 0 {
			self.endpoint.FillInterested()
			return
		}
		self.filled += n
	}
	self.nextProtocol()
}

func (self *v2Connection) nextProtocol() {
	connectionFactory := self.connector.ConnectionFactory(self.next)
	if self.next == "" || connectionFactory == nil {
		glog.Warningf("[pp]no next protocol \"%s\" for %s\n", self.next, self.endpoint)
		self.endpoint.Close()
		return
	}

	// a LOCAL header represents a locally generated connection, for
	// example a health check. There is no real client, do not wrap.
	endpoint := transport.Endpoint(self.endpoint)
	if !self.local {
		if proxyEndpoint, err := self.wrap(); err == nil {
			endpoint = proxyEndpoint
		} else {
			// a malformed optional trailer must not break an otherwise
			// valid preface
			glog.Warningf("[pp]error for %s = %s\n", self.endpoint, err)
		}
	}

	glog.V(1).Infof("[pp]next protocol \"%s\" for %s\n", self.next, endpoint)

	connection := connectionFactory.NewConnection(self.connector, endpoint)
	endpoint.Upgrade(connection)
}

func (self *v2Connection) wrap() (*ProxyEndpoint, error) {
	payload := self.payload

	var addrLen int
	switch self.family {
	case familyInet:
		addrLen = 4
	case familyInet6:
		addrLen = 16
	default:
		// excluded at construction
		panic("Unreachable family")
	}

	if len(payload) < 2*addrLen+4 {
		return nil, fmt.Errorf("Short PROXY protocol v2 address payload %d", len(payload))
	}

	srcIp := net.IP(payload[0:addrLen])
	dstIp := net.IP(payload[addrLen : 2*addrLen])
	srcPort := int(binary.BigEndian.Uint16(payload[2*addrLen : 2*addrLen+2]))
	dstPort := int(binary.BigEndian.Uint16(payload[2*addrLen+2 : 2*addrLen+4]))

	remote := &net.TCPAddr{IP: srcIp, Port: srcPort}
	local := &net.TCPAddr{IP: dstIp, Port: dstPort}
	proxyEndpoint := NewProxyEndpoint(self.endpoint, remote, local)

	if err := self.parseTlvs(payload[2*addrLen+4:], proxyEndpoint); err != nil {
		// the addresses above are already valid, log and keep the wrap
		glog.Warningf("[pp]tlv error for %s = %s\n", self.endpoint, err)
	}

	return proxyEndpoint, nil
}

// each TLV is type:u8 | length:u16-BE | value:bytes[length]
func (self *v2Connection) parseTlvs(p []byte, proxyEndpoint *ProxyEndpoint) error {
	for i := 0; i < len(p); {
		if len(p) < i+3 {
			return fmt.Errorf("Short TLV header at %d", i)
		}
		tlvType := p[i]
		tlvLength := int(binary.BigEndian.Uint16(p[i+1 : i+3]))
		i += 3
		if len(p) < i+tlvLength {
			return fmt.Errorf("Short TLV value at %d", i)
		}
		value := p[i : i+tlvLength]
		i += tlvLength

		glog.V(2).Infof("[pp]tlv t=%x l=%d for %s\n", tlvType, tlvLength, self.endpoint)

		switch tlvType {
		case tlvTypeSsl:
			if err := self.parseSslTlv(value, proxyEndpoint); err != nil {
				return err
			}
		case tlvTypeAlpn, tlvTypeAuthority, tlvTypeCrc32c, tlvTypeNoop, tlvTypeNetNs:
			// recognized, not interpreted here
		default:
		}
	}
	return nil
}

// the SSL TLV value is client:u8 | verify:u32 | sub-TLVs of the same
// shape. Only this TLV type nests, do not descend into others.
func (self *v2Connection) parseSslTlv(value []byte, proxyEndpoint *ProxyEndpoint) error {
	if len(value) < 5 {
		return fmt.Errorf("Short SSL TLV %d", len(value))
	}
	client := value[0]
	if client != sslClientSsl {
		return nil
	}
	// first sub tlv, after verify
	for i := 5; i < len(value); {
		if len(value) < i+3 {
			return fmt.Errorf("Short SSL sub TLV header at %d", i)
		}
		subType := value[i]
		subLength := int(value[i+1])<<8 | int(value[i+2])
		i += 3
		if len(value) < i+subLength {
			return fmt.Errorf("Short SSL sub TLV value at %d", i)
		}
		subValue := value[i : i+subLength]
		i += subLength

		switch subType {
		case tlvSubtypeSslVersion:
			proxyEndpoint.SetAttribute(TLS_VERSION, string(subValue))
		default:
			// cn, cipher, sig alg, key alg
		}
	}
	return nil
}

func (self *v2Connection) OnClose(err error) {
}
