package transport

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/relaymesh/server"
)

// HTTPFactory serves upgraded endpoints with `net/http`. All endpoint
// connections are fed through one shared listener shim into a single
// http server running the configured handler.
//
// Because handlers see the endpoint as a net.Conn, a connection that
// arrived through the PROXY preface reports the real client address in
// http.Request.RemoteAddr.
type HTTPFactory struct {
	handler http.Handler

	initOnce sync.Once
	conns    chan net.Conn
}

func NewHTTPFactory(handler http.Handler) *HTTPFactory {
	return &HTTPFactory{
		handler: handler,
		conns:   make(chan net.Conn),
	}
}

func (self *HTTPFactory) Protocol() string {
	return "http"
}

func (self *HTTPFactory) NewConnection(connector *Connector, endpoint Endpoint) Connection {
	self.initOnce.Do(func() {
		httpServer := &http.Server{
			Handler: self.handler,
		}
		go server.HandleError(func() {
			httpServer.Serve(&connListener{
				conns: self.conns,
			})
		})
	})
	return newHttpConnection(connector, endpoint, self.conns)
}

// connListener hands externally accepted connections to an http server.
type connListener struct {
	conns chan net.Conn
}

func (self *connListener) Accept() (net.Conn, error) {
	conn, ok := <-self.conns
	if !ok {
		return nil, net.ErrClosed
	}
	return conn, nil
}

func (self *connListener) Close() error {
	return nil
}

func (self *connListener) Addr() net.Addr {
	return &net.TCPAddr{}
}

type httpConnection struct {
	connector *Connector
	endpoint  Endpoint
	conns     chan net.Conn

	readable  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newHttpConnection(connector *Connector, endpoint Endpoint, conns chan net.Conn) *httpConnection {
	return &httpConnection{
		connector: connector,
		endpoint:  endpoint,
		conns:     conns,
		readable:  make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

func (self *httpConnection) OnOpen() {
	conn := &endpointConn{
		connection: self,
		endpoint:   self.endpoint,
	}
	select {
	case self.conns <- conn:
	case <-self.closed:
	}
}

func (self *httpConnection) OnFillable() {
	select {
	case self.readable <- struct{}{}:
	default:
	}
}

func (self *httpConnection) OnClose(err error) {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
}

// endpointConn converts the callback endpoint back to the blocking
// net.Conn the http server expects. Reads arm fill interest and wait for
// the readable signal; everything else delegates.
type endpointConn struct {
	connection *httpConnection
	endpoint   Endpoint

	deadlineLock sync.Mutex
	readDeadline time.Time
}

type timeoutError struct{}

func (self *timeoutError) Error() string {
	return "deadline exceeded"
}

func (self *timeoutError) Timeout() bool {
	return true
}

func (self *timeoutError) Temporary() bool {
	return true
}

func (self *endpointConn) Read(p []byte) (int, error) {
	for {
		n, err := self.endpoint.Fill(p)
		if 0 < n {
			return n, nil
		}
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}

		var timer *time.Timer
		var deadlineC <-chan time.Time
		self.deadlineLock.Lock()
		readDeadline := self.readDeadline
		self.deadlineLock.Unlock()
		if !readDeadline.IsZero() {
			timeout := time.Until(readDeadline)
			if timeout <= 0 {
				return 0, &timeoutError{}
			}
			timer = time.NewTimer(timeout)
			deadlineC = timer.C
		}

		self.endpoint.FillInterested()
		select {
		case <-self.connection.readable:
		case <-self.connection.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, net.ErrClosed
		case <-deadlineC:
			return 0, &timeoutError{}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (self *endpointConn) Write(p []byte) (int, error) {
	return self.endpoint.Write(p)
}

func (self *endpointConn) Close() error {
	self.connection.OnClose(nil)
	return self.endpoint.Close()
}

func (self *endpointConn) LocalAddr() net.Addr {
	return self.endpoint.LocalAddr()
}

func (self *endpointConn) RemoteAddr() net.Addr {
	return self.endpoint.RemoteAddr()
}

func (self *endpointConn) SetDeadline(t time.Time) error {
	return self.SetReadDeadline(t)
}

func (self *endpointConn) SetReadDeadline(t time.Time) error {
	self.deadlineLock.Lock()
	defer self.deadlineLock.Unlock()
	self.readDeadline = t
	return nil
}

func (self *endpointConn) SetWriteDeadline(t time.Time) error {
	return nil
}
