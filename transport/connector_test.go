package transport

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/go-playground/assert/v2"
)

type echoFactory struct {
	protocol string
}

func (self *echoFactory) Protocol() string {
	return self.protocol
}

func (self *echoFactory) NewConnection(connector *Connector, endpoint Endpoint) Connection {
	return &echoConnection{
		endpoint: endpoint,
	}
}

type echoConnection struct {
	endpoint Endpoint
}

func (self *echoConnection) OnOpen() {
	self.endpoint.FillInterested()
}

func (self *echoConnection) OnFillable() {
	buffer := make([]byte, 1024)
	for {
		n, err := self.endpoint.Fill(buffer)
		if 0 < n {
			self.endpoint.Write(buffer[:n])
			continue
		}
		if err == io.EOF {
			self.endpoint.ShutdownOutput()
			self.endpoint.Close()
			return
		}
		if err != nil {
			return
		}
		self.endpoint.FillInterested()
		return
	}
}

func (self *echoConnection) OnClose(err error) {
}

func TestConnectorProtocols(t *testing.T) {
	ctx := context.Background()
	factories := []ConnectionFactory{
		&echoFactory{protocol: "Echo"},
		&echoFactory{protocol: "other"},
	}
	connector := NewConnector(ctx, inlineExecutor(), factories, DefaultConnectorSettings())

	assert.Equal(t, connector.Protocols(), []string{"Echo", "other"})

	// lookup is case-insensitive
	assert.Equal(t, connector.ConnectionFactory("echo"), factories[0])
	assert.Equal(t, connector.ConnectionFactory("ECHO"), factories[0])
	assert.Equal(t, connector.ConnectionFactory("other"), factories[1])
	assert.Equal(t, connector.ConnectionFactory("missing"), nil)
}

func TestConnectorEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factories := []ConnectionFactory{
		&echoFactory{protocol: "echo"},
	}
	connector := NewConnector(ctx, inlineExecutor(), factories, DefaultConnectorSettings())
	defer connector.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	go connector.Serve(listener)

	conn, err := net.Dial("tcp", listener.Addr().String())
	assert.Equal(t, err, nil)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	assert.Equal(t, err, nil)

	response := make([]byte, 4)
	_, err = io.ReadFull(conn, response)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(response), "ping")
}
