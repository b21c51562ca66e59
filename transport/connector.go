package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"
	"golang.org/x/net/netutil"

	"github.com/relaymesh/server"
)

func DefaultConnectorSettings() *ConnectorSettings {
	return &ConnectorSettings{
		Port:           5080,
		MaxConnections: 8 * 1024,
		IdleTimeout:    60 * time.Second,
		ReadBufferSize: 4 * 1024,
	}
}

type ConnectorSettings struct {
	Port           int
	MaxConnections int
	IdleTimeout    time.Duration
	ReadBufferSize int
}

// Connector accepts TCP connections and binds each to the first protocol
// in its ordered chain. The chain order is the factory order given at
// construction. Factories look up later protocols by name, which is how
// a preface decoder like "proxy" finds its next protocol.
type Connector struct {
	ctx    context.Context
	cancel context.CancelFunc

	executor  Executor
	settings  *ConnectorSettings
	protocols []string
	factories map[string]ConnectionFactory

	listener net.Listener
}

func NewConnector(ctx context.Context, executor Executor, factories []ConnectionFactory, settings *ConnectorSettings) *Connector {
	cancelCtx, cancel := context.WithCancel(ctx)

	protocols := []string{}
	factoriesByProtocol := map[string]ConnectionFactory{}
	for _, factory := range factories {
		protocol := strings.ToLower(factory.Protocol())
		if _, ok := factoriesByProtocol[protocol]; ok {
			panic(fmt.Sprintf("Duplicate protocol %s", protocol))
		}
		protocols = append(protocols, factory.Protocol())
		factoriesByProtocol[protocol] = factory
	}

	return &Connector{
		ctx:       cancelCtx,
		cancel:    cancel,
		executor:  executor,
		settings:  settings,
		protocols: protocols,
		factories: factoriesByProtocol,
	}
}

// Protocols returns the ordered protocol chain.
func (self *Connector) Protocols() []string {
	return self.protocols
}

// ConnectionFactory returns the factory for a protocol name,
// case-insensitive, or nil if the protocol is not registered.
func (self *Connector) ConnectionFactory(protocol string) ConnectionFactory {
	return self.factories[strings.ToLower(protocol)]
}

func (self *Connector) Executor() Executor {
	return self.executor
}

func (self *Connector) ListenAndServe() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", self.settings.Port))
	if err != nil {
		return err
	}
	return self.Serve(listener)
}

func (self *Connector) Serve(listener net.Listener) error {
	if 0 < self.settings.MaxConnections {
		listener = netutil.LimitListener(listener, self.settings.MaxConnections)
	}
	self.listener = listener
	defer listener.Close()

	go func() {
		select {
		case <-self.ctx.Done():
		}
		listener.Close()
	}()

	if len(self.protocols) == 0 {
		return fmt.Errorf("No protocols registered")
	}
	first, _ := lo.First(self.protocols)
	firstFactory := self.ConnectionFactory(first)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-self.ctx.Done():
				return nil
			default:
				return err
			}
		}

		endpoint := NewSocketEndpoint(conn, self.executor, &SocketEndpointSettings{
			ReadBufferSize: self.settings.ReadBufferSize,
			IdleTimeout:    self.settings.IdleTimeout,
		})
		connection := firstFactory.NewConnection(self, endpoint)
		endpoint.SetConnection(connection)
		glog.V(1).Infof("[tcp]accept %s -> %s\n", endpoint, first)
		self.executor.Execute(func() {
			server.HandleError(connection.OnOpen, func(err error) {
				endpoint.Close()
			})
		})
	}
}

func (self *Connector) Close() {
	self.cancel()
}
