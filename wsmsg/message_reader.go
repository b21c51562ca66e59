// Package wsmsg adapts a stream of websocket frames into blocking
// readers, with a release callback per frame so the pump can bound how
// much payload is in flight.
package wsmsg

import (
	"errors"
	"io"
	"sync"
)

var errClosed = errors.New("Already closed")
var errShutdown = errors.New("Shutdown")

type frameEntry struct {
	payload []byte
	release func(err error)
}

// eof marker queued after the final frame
var eofEntry = &frameEntry{}

// MessageReader is an io.Reader over a queue of frame payloads.
//
// Accept enqueues one frame; a frame with fin set also queues the end of
// the message. Read blocks until a frame is available and releases each
// frame once it is fully consumed. After the end of the message, Read
// returns io.EOF and any frames still queued are released with an error.
type MessageReader struct {
	stateLock sync.Mutex
	available *sync.Cond
	frames    []*frameEntry
	active    *frameEntry
	closed    bool
}

func NewMessageReader() *MessageReader {
	reader := &MessageReader{
		frames: []*frameEntry{},
	}
	reader.available = sync.NewCond(&reader.stateLock)
	return reader
}

func (self *MessageReader) Accept(payload []byte, fin bool, release func(err error)) {
	if release == nil {
		release = func(err error) {}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// frames arriving after close go to the bit bucket
	if self.closed {
		release(errClosed)
		return
	}

	if len(payload) == 0 && !fin {
		release(nil)
		return
	}

	notify := false
	if 0 < len(payload) {
		self.frames = append(self.frames, &frameEntry{
			payload: payload,
			release: release,
		})
		notify = true
	} else {
		// a zero length frame cannot wake up a blocked read
		release(nil)
	}

	if fin {
		self.frames = append(self.frames, eofEntry)
		notify = true
	}

	if notify {
		self.available.Signal()
	}
}

func (self *MessageReader) Read(p []byte) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return 0, io.EOF
	}

	for self.active == nil {
		if len(self.frames) == 0 {
			self.available.Wait()
			if self.closed {
				return 0, io.EOF
			}
			continue
		}
		self.active = self.frames[0]
		self.frames = self.frames[1:]
	}

	if self.active == eofEntry {
		self.shutdown()
		return 0, io.EOF
	}

	n := copy(p, self.active.payload)
	self.active.payload = self.active.payload[n:]
	if len(self.active.payload) == 0 {
		self.active.release(nil)
		self.active = nil
	}
	return n, nil
}

// Close unblocks readers with EOF and releases anything still queued.
func (self *MessageReader) Close() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.closed {
		self.shutdown()
	}
	return nil
}

// must hold stateLock
func (self *MessageReader) shutdown() {
	self.closed = true
	if self.active != nil && self.active != eofEntry {
		self.active.release(errShutdown)
		self.active = nil
	}
	for _, frame := range self.frames {
		if frame != eofEntry {
			frame.release(errShutdown)
		}
	}
	self.frames = nil
	self.available.Broadcast()
}
