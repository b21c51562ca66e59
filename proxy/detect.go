package proxy

import (
	"io"

	"github.com/golang/glog"

	"github.com/relaymesh/server/transport"
)

// 16 is the v2 fixed header size. It is also a sufficient prefix to
// identify v1 by its leading 'P'. Reading 16 bytes once avoids per-byte
// fills during discovery.
const detectLen = 16

// detectConnection does a tiny read to figure out which PROXY version
// the peer speaks, then upgrades the endpoint to the matching decoder,
// seeding it with the bytes already read.
type detectConnection struct {
	connector      *transport.Connector
	endpoint       transport.Endpoint
	next           string
	maxProxyHeader int

	buffer []byte
	filled int
}

func newDetectConnection(connector *transport.Connector, endpoint transport.Endpoint, next string, maxProxyHeader int) *detectConnection {
	return &detectConnection{
		connector:      connector,
		endpoint:       endpoint,
		next:           next,
		maxProxyHeader: maxProxyHeader,
		buffer:         make([]byte, detectLen),
	}
}

func (self *detectConnection) OnOpen() {
	self.endpoint.FillInterested()
}

func (self *detectConnection) OnFillable() {
	for self.filled < detectLen {
		n, err := self.endpoint.Fill(self.buffer[self.filled:])
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

	switch self.buffer[0] {
	case 'P':
		v1 := newV1Connection(self.connector, self.endpoint, self.next, self.buffer)
		self.endpoint.Upgrade(v1)
	case 0x0D:
		v2, err := newV2Connection(self.connector, self.endpoint, self.next, self.maxProxyHeader, self.buffer)
		if err != nil {
			glog.Warningf("[pp]error for %s = %s\n", self.endpoint, err)
			self.endpoint.Close()
			return
		}
		self.endpoint.Upgrade(v2)
	default:
		glog.Warningf("[pp]not PROXY protocol for %s\n", self.endpoint)
		self.endpoint.Close()
	}
}

func (self *detectConnection) OnClose(err error) {
}
