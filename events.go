package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Event latches once set. A service holds one as its quit signal and
// threads Ctx into everything it starts, so setting the event stops the
// connector, the pool, and every in-flight handler together.
type Event struct {
	Ctx context.Context

	cancel  context.CancelFunc
	setOnce sync.Once
}

func NewEvent() *Event {
	return NewEventWithContext(context.Background())
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		Ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Set() {
	self.setOnce.Do(self.cancel)
}

func (self *Event) IsSet() bool {
	return self.Ctx.Err() != nil
}

// Done selects the same channel as Ctx.Done for callers that do not
// need the full context.
func (self *Event) Done() <-chan struct{} {
	return self.Ctx.Done()
}

func (self *Event) WaitForSet(timeout time.Duration) bool {
	select {
	case <-self.Ctx.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

// SetOnSignals sets the event when any of the given process signals
// arrives. The returned function detaches the signal handler; the event
// stays set if it already fired.
func (self *Event) SetOnSignals(signalValues ...syscall.Signal) func() {
	signals := make([]os.Signal, 0, len(signalValues))
	for _, signalValue := range signalValues {
		signals = append(signals, signalValue)
	}

	stopSignal := make(chan os.Signal, len(signals))
	signal.Notify(stopSignal, signals...)
	go func() {
		for range stopSignal {
			self.Set()
		}
	}()

	return sync.OnceFunc(func() {
		signal.Stop(stopSignal)
		close(stopSignal)
	})
}
