package proxy

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/relaymesh/server/transport"
)

func TestV1Tcp4(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")

	prefaceLen := 0
	capture.onNew = func(_ transport.Endpoint) {
		prefaceLen = endpoint.totalFilled
	}

	open(endpoint, connector)
	endpoint.feed([]byte("PROXY TCP4 192.0.2.1 203.0.113.2 12345 80\r\nGET / HTTP/1.1\r\n"))

	assert.Equal(t, len(capture.connections), 1)
	connection := capture.connections[0]
	assert.Equal(t, connection.opened, true)
	assert.Equal(t, connection.endpoint.RemoteAddr().String(), "192.0.2.1:12345")
	assert.Equal(t, connection.endpoint.LocalAddr().String(), "203.0.113.2:80")
	assert.Equal(t, connection.read.String(), "GET / HTTP/1.1\r\n")

	// the decoder consumed exactly the preface before the upgrade
	assert.Equal(t, prefaceLen, len("PROXY TCP4 192.0.2.1 203.0.113.2 12345 80\r\n"))

	// the socket's own addresses still come from the inner endpoint
	assert.Equal(t, endpoint.RemoteAddr().String(), "10.7.0.8:41000")
	assert.Equal(t, endpoint.LocalAddr().String(), "10.7.0.1:5080")
}

func TestV1Tcp6(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP6 2001:db8::1 2001:db8::2 443 8443\r\nok"))

	assert.Equal(t, len(capture.connections), 1)
	connection := capture.connections[0]
	assert.Equal(t, connection.endpoint.RemoteAddr().String(), "[2001:db8::1]:443")
	assert.Equal(t, connection.endpoint.LocalAddr().String(), "[2001:db8::2]:8443")
	assert.Equal(t, connection.read.String(), "ok")
}

func TestV1Unknown(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	// the preface addresses must be ignored
	endpoint.feed([]byte("PROXY UNKNOWN 0.0.0.0 0.0.0.0 0 0\r\nHELLO"))

	assert.Equal(t, len(capture.connections), 1)
	connection := capture.connections[0]
	assert.Equal(t, connection.endpoint.RemoteAddr().String(), endpoint.RemoteAddr().String())
	assert.Equal(t, connection.endpoint.LocalAddr().String(), endpoint.LocalAddr().String())
	assert.Equal(t, connection.read.String(), "HELLO")
}

func TestV1Chunked(t *testing.T) {
	// any split of the preface across readable events reaches the same
	// terminal state
	input := []byte("PROXY TCP4 192.0.2.1 203.0.113.2 12345 80\r\nGET / HTTP/1.1\r\n")
	for chunkSize := 1; chunkSize <= len(input); chunkSize += 1 {
		endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
		open(endpoint, connector)

		for i := 0; i < len(input); i += chunkSize {
			end := min(i+chunkSize, len(input))
			endpoint.feed(input[i:end])
		}

		assert.Equal(t, len(capture.connections), 1)
		connection := capture.connections[0]
		assert.Equal(t, connection.endpoint.RemoteAddr().String(), "192.0.2.1:12345")
		assert.Equal(t, connection.endpoint.LocalAddr().String(), "203.0.113.2:80")
		assert.Equal(t, connection.read.String(), "GET / HTTP/1.1\r\n")
	}
}

func TestV1TooLong(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	// 109 bytes and no CRLF
	endpoint.feed([]byte("PROXY " + strings.Repeat("A", 103)))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestV1NotProxy(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	// leads with 'P' so it reaches the v1 parser, but the first token is
	// not PROXY
	endpoint.feed([]byte("PROXYZ TCP4 192.0.2.1 203.0.113.2 12345 80\r\n"))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestV1BadCharacter(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP4 192.0.2.1\t203.0.113.2 12345 80\r\n"))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestV1BadCrlf(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP4 192.0.2.1 203.0.113.2 12345 80\rX"))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestV1BadAddress(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP4 not.an.ip.x 203.0.113.2 12345 80\r\n"))

	assert.Equal(t, endpoint.closed, true)
	assert.Equal(t, len(capture.connections), 0)
}

func TestV1BadPort(t *testing.T) {
	for _, port := range []string{"abc", "70000", "-1"} {
		endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
		open(endpoint, connector)

		endpoint.feed([]byte(fmt.Sprintf("PROXY TCP4 192.0.2.1 203.0.113.2 %s 80\r\n", port)))

		assert.Equal(t, endpoint.closed, true)
		assert.Equal(t, len(capture.connections), 0)
	}
}

func TestV1EofMidPreface(t *testing.T) {
	endpoint, capture, connector := newTestHarness(DefaultProxySettings(), "proxy", "echo")
	open(endpoint, connector)

	endpoint.feed([]byte("PROXY TCP4 192.0.2.1 203.0"))
	endpoint.feedEof()

	assert.Equal(t, endpoint.closed, false)
	assert.Equal(t, endpoint.shutdownOutput, true)
	assert.Equal(t, len(capture.connections), 0)
}
