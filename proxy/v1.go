package proxy

import (
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/relaymesh/server/transport"
)

// 0     1 2       3       4 5 6
// 98765432109876543210987654321
// PROXY P R.R.R.R L.L.L.L R Lrn
//
// shortest possible remaining preface length at each token index, for
// dotted IPv4 addresses. Sizing each fill to the remainder guarantees the
// decoder never reads past the CRLF, since bytes consumed here cannot be
// pushed back for the next protocol.
var v1Size = []int{29, 23, 21, 13, 5, 3, 1}

// total preface bytes including CRLF
const v1MaxLength = 108

// v1Connection parses the ASCII preface
//
//	PROXY <fam> <srcIP> <dstIP> <srcPort> <dstPort>\r\n
//
// continuing from the 16 seed bytes the detect stage already read.
type v1Connection struct {
	connector *transport.Connector
	endpoint  transport.Endpoint
	next      string

	builder strings.Builder
	fields  [6]string
	index   int
	length  int
	failed  bool
}

func newV1Connection(connector *transport.Connector, endpoint transport.Endpoint, next string, seed []byte) *v1Connection {
	connection := &v1Connection{
		connector: connector,
		endpoint:  endpoint,
		next:      next,
		length:    len(seed),
	}
	connection.parse(seed)
	return connection
}

func (self *v1Connection) OnOpen() {
	if self.failed {
		return
	}
	if self.index < 7 {
		self.endpoint.FillInterested()
	} else {
		// the seed bytes held the entire preface
		self.finish()
	}
}

func (self *v1Connection) parse(b []byte) bool {
	for _, c := range b {
		if self.index < 6 {
			if c == ' ' || c == '\r' {
				self.fields[self.index] = self.builder.String()
				self.index += 1
				self.builder.Reset()
				if c == '\r' {
					self.index = 6
				}
			} else if c < ' ' {
				glog.Warningf("[pp]bad character %d for %s\n", c, self.endpoint)
				self.failed = true
				self.endpoint.Close()
				return false
			} else {
				self.builder.WriteByte(c)
			}
		} else {
			if c == '\n' {
				self.index = 7
				return true
			}
			glog.Warningf("[pp]bad crlf for %s\n", self.endpoint)
			self.failed = true
			self.endpoint.Close()
			return false
		}
	}
	return true
}

func (self *v1Connection) OnFillable() {
	if self.failed {
		return
	}
	for self.index < 7 {
		// a buffer that will not read too much data. The size table only
		// holds for TCP4; other families (compressed IPv6, UNKNOWN) can be
		// shorter, so past the family token they are read a byte at a time.
		size := 1
		if self.index < 2 || strings.EqualFold(self.fields[1], "TCP4") {
			size = max(1, v1Size[self.index]-self.builder.Len())
		}
		buffer := make([]byte, size)

		n, err := self.endpoint.Fill(buffer)
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

		self.length += n
		if v1MaxLength <= self.length {
			glog.Warningf("[pp]line too long %d for %s\n", self.length, self.endpoint)
			self.endpoint.Close()
			return
		}

		if !self.parse(buffer[:n]) {
			return
		}
	}

	self.finish()
}

func (self *v1Connection) finish() {
	if self.fields[0] != "PROXY" {
		glog.Warningf("[pp]not PROXY protocol for %s\n", self.endpoint)
		self.endpoint.Close()
		return
	}

	var remote net.Addr
	var local net.Addr
	if strings.EqualFold(self.fields[1], "UNKNOWN") {
		// the preface addresses must be ignored, use the endpoint's
		remote = self.endpoint.RemoteAddr()
		local = self.endpoint.LocalAddr()
	} else {
		srcIp := net.ParseIP(self.fields[2])
		dstIp := net.ParseIP(self.fields[3])
		if srcIp == nil || dstIp == nil {
			glog.Warningf("[pp]bad address for %s\n", self.endpoint)
			self.endpoint.Close()
			return
		}
		srcPort, srcErr := strconv.Atoi(self.fields[4])
		dstPort, dstErr := strconv.Atoi(self.fields[5])
		if srcErr != nil || dstErr != nil || srcPort < 0 || 65535 < srcPort || dstPort < 0 || 65535 < dstPort {
			glog.Warningf("[pp]bad port for %s\n", self.endpoint)
			self.endpoint.Close()
			return
		}
		remote = &net.TCPAddr{IP: srcIp, Port: srcPort}
		local = &net.TCPAddr{IP: dstIp, Port: dstPort}
	}

	connectionFactory := self.connector.ConnectionFactory(self.next)
	if self.next == "" || connectionFactory == nil {
		glog.Warningf("[pp]no next protocol \"%s\" for %s\n", self.next, self.endpoint)
		self.endpoint.Close()
		return
	}

	glog.V(1).Infof("[pp]next protocol \"%s\" for %s r=%s l=%s\n", self.next, self.endpoint, remote, local)

	proxyEndpoint := NewProxyEndpoint(self.endpoint, remote, local)
	connection := connectionFactory.NewConnection(self.connector, proxyEndpoint)
	proxyEndpoint.Upgrade(connection)
}

func (self *v1Connection) OnClose(err error) {
}
