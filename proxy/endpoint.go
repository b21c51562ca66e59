package proxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaymesh/server"
	"github.com/relaymesh/server/transport"
)

// ProxyEndpoint wraps an endpoint so that it reports the addresses
// declared in the preface instead of the socket's own. Everything else
// passes through unchanged. It also carries named attributes decoded
// from the preface, such as TLS_VERSION.
type ProxyEndpoint struct {
	inner  transport.Endpoint
	remote net.Addr
	local  net.Addr

	stateLock  sync.Mutex
	attributes map[string]any
}

func NewProxyEndpoint(inner transport.Endpoint, remote net.Addr, local net.Addr) *ProxyEndpoint {
	return &ProxyEndpoint{
		inner:      inner,
		remote:     remote,
		local:      local,
		attributes: map[string]any{},
	}
}

func (self *ProxyEndpoint) RemoteAddr() net.Addr {
	return self.remote
}

func (self *ProxyEndpoint) LocalAddr() net.Addr {
	return self.local
}

func (self *ProxyEndpoint) Attribute(name string) any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attributes[name]
}

func (self *ProxyEndpoint) SetAttribute(name string, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.attributes[name] = value
}

func (self *ProxyEndpoint) Id() server.Id {
	return self.inner.Id()
}

func (self *ProxyEndpoint) Fill(p []byte) (int, error) {
	return self.inner.Fill(p)
}

func (self *ProxyEndpoint) FillInterested() {
	self.inner.FillInterested()
}

func (self *ProxyEndpoint) Write(p []byte) (int, error) {
	return self.inner.Write(p)
}

func (self *ProxyEndpoint) ShutdownOutput() {
	self.inner.ShutdownOutput()
}

func (self *ProxyEndpoint) Close() error {
	return self.inner.Close()
}

func (self *ProxyEndpoint) Connection() transport.Connection {
	return self.inner.Connection()
}

func (self *ProxyEndpoint) SetConnection(connection transport.Connection) {
	self.inner.SetConnection(connection)
}

func (self *ProxyEndpoint) Upgrade(connection transport.Connection) {
	self.inner.Upgrade(connection)
}

func (self *ProxyEndpoint) IdleTimeout() time.Duration {
	return self.inner.IdleTimeout()
}

func (self *ProxyEndpoint) SetIdleTimeout(idleTimeout time.Duration) {
	self.inner.SetIdleTimeout(idleTimeout)
}

func (self *ProxyEndpoint) String() string {
	return fmt.Sprintf("proxy[r=%s l=%s endpoint=%s]", self.remote, self.local, self.inner)
}
