package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/relaymesh/server"
	"github.com/relaymesh/server/transport"
)

// testEndpoint is a scripted endpoint. Fill serves bytes from the head
// chunk only, so tests control exactly how the preface is split across
// readable events. Dispatch is synchronous and single goroutine.
type testEndpoint struct {
	id     server.Id
	remote net.Addr
	local  net.Addr

	chunks [][]byte
	eof    bool

	connection     transport.Connection
	armed          bool
	closed         bool
	shutdownOutput bool

	written     bytes.Buffer
	totalFilled int
}

func newTestEndpoint() *testEndpoint {
	return &testEndpoint{
		id:     server.NewId(),
		remote: &net.TCPAddr{IP: net.ParseIP("10.7.0.8"), Port: 41000},
		local:  &net.TCPAddr{IP: net.ParseIP("10.7.0.1"), Port: 5080},
	}
}

func (self *testEndpoint) feed(b []byte) {
	self.chunks = append(self.chunks, b)
	self.dispatchIfArmed()
}

func (self *testEndpoint) feedEof() {
	self.eof = true
	self.dispatchIfArmed()
}

func (self *testEndpoint) dispatchIfArmed() {
	if self.armed && self.connection != nil && !self.closed {
		self.armed = false
		self.connection.OnFillable()
	}
}

func (self *testEndpoint) Id() server.Id {
	return self.id
}

func (self *testEndpoint) Fill(p []byte) (int, error) {
	if self.closed {
		return 0, net.ErrClosed
	}
	if len(self.chunks) == 0 {
		if self.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	head := self.chunks[0]
	n := copy(p, head)
	if n == len(head) {
		self.chunks = self.chunks[1:]
	} else {
		self.chunks[0] = head[n:]
	}
	self.totalFilled += n
	return n, nil
}

func (self *testEndpoint) FillInterested() {
	self.armed = true
	if 0 < len(self.chunks) || self.eof {
		self.dispatchIfArmed()
	}
}

func (self *testEndpoint) Write(p []byte) (int, error) {
	return self.written.Write(p)
}

func (self *testEndpoint) ShutdownOutput() {
	self.shutdownOutput = true
}

func (self *testEndpoint) Close() error {
	self.closed = true
	return nil
}

func (self *testEndpoint) LocalAddr() net.Addr {
	return self.local
}

func (self *testEndpoint) RemoteAddr() net.Addr {
	return self.remote
}

func (self *testEndpoint) Connection() transport.Connection {
	return self.connection
}

func (self *testEndpoint) SetConnection(connection transport.Connection) {
	self.connection = connection
}

func (self *testEndpoint) Upgrade(connection transport.Connection) {
	self.connection = connection
	connection.OnOpen()
}

func (self *testEndpoint) IdleTimeout() time.Duration {
	return 0
}

func (self *testEndpoint) SetIdleTimeout(idleTimeout time.Duration) {
}

func (self *testEndpoint) String() string {
	return "test[" + self.id.String() + "]"
}

// captureFactory records the connection handed the stream after the
// preface and drains whatever the endpoint has on every callback.
type captureFactory struct {
	protocol    string
	onNew       func(endpoint transport.Endpoint)
	connections []*captureConnection
}

func (self *captureFactory) Protocol() string {
	return self.protocol
}

func (self *captureFactory) NewConnection(connector *transport.Connector, endpoint transport.Endpoint) transport.Connection {
	if self.onNew != nil {
		self.onNew(endpoint)
	}
	connection := &captureConnection{
		endpoint: endpoint,
	}
	self.connections = append(self.connections, connection)
	return connection
}

type captureConnection struct {
	endpoint transport.Endpoint
	opened   bool
	eof      bool
	read     bytes.Buffer
}

func (self *captureConnection) OnOpen() {
	self.opened = true
	self.drain()
}

func (self *captureConnection) OnFillable() {
	self.drain()
}

func (self *captureConnection) drain() {
	buffer := make([]byte, 1024)
	for {
		n, err := self.endpoint.Fill(buffer)
		if 0 < n {
			self.read.Write(buffer[:n])
			continue
		}
		if err == io.EOF {
			self.eof = true
			return
		}
		if err != nil {
			return
		}
		self.endpoint.FillInterested()
		return
	}
}

func (self *captureConnection) OnClose(err error) {
}

func newTestHarness(settings *ProxySettings, protocols ...string) (*testEndpoint, *captureFactory, *transport.Connector) {
	capture := &captureFactory{
		protocol: "echo",
	}

	factories := []transport.ConnectionFactory{}
	for _, protocol := range protocols {
		if protocol == "proxy" {
			factories = append(factories, NewFactory(settings))
		} else if protocol == capture.protocol {
			factories = append(factories, capture)
		}
	}

	inline := transport.ExecutorFunc(func(job func()) {
		job()
	})
	connector := transport.NewConnector(
		context.Background(),
		inline,
		factories,
		transport.DefaultConnectorSettings(),
	)

	return newTestEndpoint(), capture, connector
}

// open binds the proxy decoder to the endpoint the way the connector
// does for an accepted socket
func open(endpoint *testEndpoint, connector *transport.Connector) {
	factory := connector.ConnectionFactory("proxy")
	connection := factory.NewConnection(connector, endpoint)
	endpoint.SetConnection(connection)
	connection.OnOpen()
}

func TestDetectUnknownProtocol(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestDetectEofDuringDiscovery(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TC"))
	endpoint.feedEof()

	assert.Equal(t, endpoint.closed, false)
	assert.Equal(t, endpoint.shutdownOutput, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestNextProtocolResolution(t *testing.T) {
	// "proxy" last in the chain is a configuration error
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "echo", "proxy")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP4 192.0.2.1 203.0.113.2 12345 80\r\nGET /"))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestNextProtocolMissing(t *testing.T) {
	settings := DefaultProxySettings()
	settings.NextProtocol = "h2"
	endpoint, capture, connector := newTestHarness(settings, "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP4 192.0.2.1 203.0.113.2 12345 80\r\nGET /"))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestNextProtocolExplicit(t *testing.T) {
	settings := DefaultProxySettings()
	settings.NextProtocol = "echo"
	endpoint, capture, connector := newTestHarness(settings, "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP4 192.0.2.1 203.0.113.2 12345 80\r\nHELLO"))

	assert.Equal(t, len(capture.connections), 1)
	assert.Equal(t, capture.connections[0].read.String(), "HELLO")
}
