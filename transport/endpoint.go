package transport

import (
	"net"
	"time"

	"github.com/relaymesh/server"
)

// Connection is the protocol object bound to an endpoint.
// The reactor drives it with readable callbacks. A connection must not
// block in OnFillable; when a fill would block it re-arms interest with
// Endpoint.FillInterested and returns.
type Connection interface {
	// OnOpen is called once when the connection becomes the endpoint's
	// bound connection, including after an upgrade.
	OnOpen()
	// OnFillable is called at most once per FillInterested arm, when
	// bytes are available to fill.
	OnFillable()
	OnClose(err error)
}

// ConnectionFactory creates the connection for a protocol by name.
type ConnectionFactory interface {
	Protocol() string
	NewConnection(connector *Connector, endpoint Endpoint) Connection
}

// Endpoint is a non-blocking byte channel with readiness notification.
//
// Fill returns (0, nil) when no bytes are currently available and io.EOF
// once the peer has shut down its output and the internal buffer is
// drained. FillInterested arranges exactly one future OnFillable dispatch
// to the bound connection. Upgrade atomically replaces the bound
// connection so that all future dispatches land on the new connection;
// it must be the last action of the current callback.
type Endpoint interface {
	Id() server.Id
	Fill(p []byte) (int, error)
	FillInterested()
	Write(p []byte) (int, error)
	ShutdownOutput()
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Connection() Connection
	SetConnection(connection Connection)
	Upgrade(connection Connection)
	IdleTimeout() time.Duration
	SetIdleTimeout(idleTimeout time.Duration)
	String() string
}

// Executor runs connection callbacks and jobs off the reactor goroutines.
type Executor interface {
	Execute(job func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(job func())

func (self ExecutorFunc) Execute(job func()) {
	self(job)
}
