package wsmsg

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/server"
)

func DefaultHandlerSettings() *HandlerSettings {
	return &HandlerSettings{
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  30 * time.Second,
		PingTimeout:  15 * time.Second,

		// a single message size limit, enforced on messages in
		MaxMessageByteCount: 4 * 1024 * 1024,

		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
		ReadChunkSize:   4 * 1024,

		// frames accepted but not yet consumed by the sink
		MaxPendingFrames: 8,
	}
}

type HandlerSettings struct {
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	PingTimeout         time.Duration
	MaxMessageByteCount int64
	ReadBufferSize      int
	WriteBufferSize     int
	ReadChunkSize       int
	MaxPendingFrames    int
}

// MessageSink consumes one complete binary message via the reader. A
// non-nil return is written back to the peer as one binary message.
type MessageSink func(reader io.Reader, clientAddress string) ([]byte, error)

// Handler upgrades an HTTP request to a websocket and streams each
// incoming binary message through a MessageReader to the sink. Frames
// are handed to the sink as they arrive, bounded by MaxPendingFrames,
// so a large message never has to be buffered whole.
type Handler struct {
	ctx      context.Context
	sink     MessageSink
	settings *HandlerSettings
}

func NewHandlerWithDefaults(ctx context.Context, sink MessageSink) *Handler {
	return NewHandler(ctx, sink, DefaultHandlerSettings())
}

func NewHandler(ctx context.Context, sink MessageSink, settings *HandlerSettings) *Handler {
	return &Handler{
		ctx:      ctx,
		sink:     sink,
		settings: settings,
	}
}

func (self *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  self.settings.ReadBufferSize,
		WriteBufferSize: self.settings.WriteBufferSize,
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.SetReadLimit(self.settings.MaxMessageByteCount)

	// find the client ip:port from the request header
	// `X-Forwarded-For` is added when a middle proxy terminates http
	clientAddress := r.Header.Get("X-Forwarded-For")
	if clientAddress == "" {
		// use the raw connection remote address,
		// which reflects the PROXY preface when present
		clientAddress = r.RemoteAddr
	}

	send := make(chan []byte, 1)

	go server.HandleError(func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}, handleCancel)

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageReader, err := ws.NextReader()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			io.Copy(io.Discard, messageReader)
			continue
		}

		if !self.pumpMessage(handleCtx, handleCancel, ws, messageReader, clientAddress, send) {
			return
		}
	}
}

func (self *Handler) pumpMessage(
	handleCtx context.Context,
	handleCancel context.CancelFunc,
	ws *websocket.Conn,
	messageReader io.Reader,
	clientAddress string,
	send chan []byte,
) bool {
	reader := NewMessageReader()
	defer reader.Close()

	sinkDone := make(chan struct{})
	go server.HandleError(func() {
		defer close(sinkDone)
		response, err := self.sink(reader, clientAddress)
		if err != nil {
			handleCancel()
			return
		}
		if response != nil {
			select {
			case <-handleCtx.Done():
			case send <- response:
			}
		}
	}, handleCancel)

	slots := make(chan struct{}, self.settings.MaxPendingFrames)
	release := func(err error) {
		select {
		case <-slots:
		default:
		}
	}

	complete := false
	for !complete {
		select {
		case <-handleCtx.Done():
			return false
		case slots <- struct{}{}:
		}

		chunk := make([]byte, self.settings.ReadChunkSize)
		n, err := messageReader.Read(chunk)
		if 0 < n {
			reader.Accept(chunk[:n], false, release)
		} else {
			release(nil)
		}
		switch err {
		case nil:
		case io.EOF:
			reader.Accept(nil, true, nil)
			complete = true
		default:
			return false
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	}

	// messages are processed in order
	select {
	case <-handleCtx.Done():
		return false
	case <-sinkDone:
	}
	return true
}
