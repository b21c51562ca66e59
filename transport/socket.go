package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/relaymesh/server"
)

func DefaultSocketEndpointSettings() *SocketEndpointSettings {
	return &SocketEndpointSettings{
		ReadBufferSize: 4 * 1024,
		IdleTimeout:    0,
	}
}

type SocketEndpointSettings struct {
	ReadBufferSize int
	// 0 means no idle timeout
	IdleTimeout time.Duration
}

// SocketEndpoint adapts a `net.Conn` to the non-blocking Endpoint
// contract. A single reader goroutine performs the blocking socket read
// into a staging buffer only while fill interest is armed, then
// dispatches OnFillable on the executor. Fill drains the staging buffer
// and never touches the socket, so a connection can never consume more
// of the stream than it asked the staging buffer for.
type SocketEndpoint struct {
	id       server.Id
	conn     net.Conn
	executor Executor
	settings *SocketEndpointSettings

	stateLock   sync.Mutex
	connection  Connection
	fillArmed   bool
	buffer      []byte
	head        int
	tail        int
	eof         bool
	closed      bool
	idleTimeout time.Duration

	armSignal chan struct{}
	done      chan struct{}
}

func NewSocketEndpoint(conn net.Conn, executor Executor, settings *SocketEndpointSettings) *SocketEndpoint {
	endpoint := &SocketEndpoint{
		id:          server.NewId(),
		conn:        conn,
		executor:    executor,
		settings:    settings,
		buffer:      make([]byte, settings.ReadBufferSize),
		idleTimeout: settings.IdleTimeout,
		armSignal:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go server.HandleError(endpoint.run)
	return endpoint
}

func (self *SocketEndpoint) Id() server.Id {
	return self.id
}

func (self *SocketEndpoint) run() {
	for {
		select {
		case <-self.done:
			return
		case <-self.armSignal:
		}

		for {
			self.stateLock.Lock()
			if self.closed {
				self.stateLock.Unlock()
				return
			}
			if !self.fillArmed {
				self.stateLock.Unlock()
				break
			}
			if self.head < self.tail || self.eof {
				self.fillArmed = false
				connection := self.connection
				self.stateLock.Unlock()
				self.dispatchFillable(connection)
				break
			}
			idleTimeout := self.idleTimeout
			self.stateLock.Unlock()

			if 0 < idleTimeout {
				self.conn.SetReadDeadline(time.Now().Add(idleTimeout))
			} else {
				self.conn.SetReadDeadline(time.Time{})
			}
			n, err := self.conn.Read(self.buffer)

			self.stateLock.Lock()
			if 0 < n {
				self.head = 0
				self.tail = n
			}
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					// idle timeout closes the endpoint asynchronously
					self.stateLock.Unlock()
					glog.Infof("[tcp]idle timeout for %s\n", self)
					self.Close()
					return
				}
				// eof or a fatal read error ends the stream
				self.eof = true
			}
			self.stateLock.Unlock()
		}
	}
}

func (self *SocketEndpoint) dispatchFillable(connection Connection) {
	if connection == nil {
		return
	}
	self.executor.Execute(func() {
		server.HandleError(connection.OnFillable, func(err error) {
			self.Close()
		})
	})
}

func (self *SocketEndpoint) Fill(p []byte) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return 0, net.ErrClosed
	}
	if self.head < self.tail {
		n := copy(p, self.buffer[self.head:self.tail])
		self.head += n
		return n, nil
	}
	if self.eof {
		return 0, io.EOF
	}
	return 0, nil
}

func (self *SocketEndpoint) FillInterested() {
	self.stateLock.Lock()
	self.fillArmed = true
	self.stateLock.Unlock()

	select {
	case self.armSignal <- struct{}{}:
	default:
	}
}

func (self *SocketEndpoint) Write(p []byte) (int, error) {
	return self.conn.Write(p)
}

func (self *SocketEndpoint) ShutdownOutput() {
	if closeWriter, ok := self.conn.(interface{ CloseWrite() error }); ok {
		closeWriter.CloseWrite()
	}
}

func (self *SocketEndpoint) Close() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil
	}
	self.closed = true
	connection := self.connection
	self.stateLock.Unlock()

	close(self.done)
	err := self.conn.Close()
	if connection != nil {
		self.executor.Execute(func() {
			server.HandleError(func() {
				connection.OnClose(net.ErrClosed)
			})
		})
	}
	return err
}

func (self *SocketEndpoint) LocalAddr() net.Addr {
	return self.conn.LocalAddr()
}

func (self *SocketEndpoint) RemoteAddr() net.Addr {
	return self.conn.RemoteAddr()
}

func (self *SocketEndpoint) Connection() Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connection
}

func (self *SocketEndpoint) SetConnection(connection Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connection = connection
}

// Upgrade rebinds the connection and opens it. The previous connection
// receives no further callbacks. Callers must make this the last action
// of the current readable callback.
func (self *SocketEndpoint) Upgrade(connection Connection) {
	self.stateLock.Lock()
	self.connection = connection
	self.stateLock.Unlock()

	connection.OnOpen()
}

func (self *SocketEndpoint) IdleTimeout() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.idleTimeout
}

func (self *SocketEndpoint) SetIdleTimeout(idleTimeout time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.idleTimeout = idleTimeout
}

func (self *SocketEndpoint) String() string {
	return fmt.Sprintf("tcp[%s r=%s l=%s]", self.id.String(), self.conn.RemoteAddr(), self.conn.LocalAddr())
}
