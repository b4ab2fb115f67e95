package portbuilder

import (
	"os"
	"os/signal"
	"syscall"
)

// Signal delivers values to connected slots through the event loop.  Emit
// never calls a slot directly: each delivery is posted as an event so that
// slots always run on the control goroutine, one at a time, after the
// emitter returns.
type Signal[T any] struct {
	loop  *EventLoop
	name  string
	slots []*slot[T]
}

type slot[T any] struct {
	fn func(T)
}

func NewSignal[T any](loop *EventLoop, name string) *Signal[T] {
	return &Signal[T]{loop: loop, name: name}
}

// Connect registers a slot and returns a handle for Disconnect.
func (s *Signal[T]) Connect(fn func(T)) *SignalConn[T] {
	sl := &slot[T]{fn: fn}
	s.slots = append(s.slots, sl)
	return &SignalConn[T]{sig: s, sl: sl}
}

// Emit posts one event per connected slot, in connect order.
func (s *Signal[T]) Emit(v T) {
	for _, sl := range s.slots {
		sl := sl
		s.loop.Post(func() {
			if sl.fn != nil {
				sl.fn(v)
			}
		})
	}
}

// SignalConn identifies one connection for later removal.
type SignalConn[T any] struct {
	sig *Signal[T]
	sl  *slot[T]
}

// Disconnect removes the slot.  A delivery already posted for it is dropped.
func (c *SignalConn[T]) Disconnect() {
	c.sl.fn = nil
	for i, sl := range c.sig.slots {
		if sl == c.sl {
			c.sig.slots = append(c.sig.slots[:i], c.sig.slots[i+1:]...)
			break
		}
	}
}

// WatchSignals forwards SIGINT and SIGTERM into the event loop as emissions
// on the returned signals.  The OS handler does nothing but post; all real
// interrupt work happens in loop context.  The returned stop function
// uninstalls the handler.
func WatchSignals(loop *EventLoop) (sigint, sigterm *Signal[os.Signal], stop func()) {
	sigint = NewSignal[os.Signal](loop, "sigint")
	sigterm = NewSignal[os.Signal](loop, "sigterm")

	ch := make(chan os.Signal, 4)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				loop.PostWake(func() {
					if sig == syscall.SIGTERM {
						sigterm.Emit(sig)
					} else {
						sigint.Emit(sig)
					}
				})
			case <-done:
				return
			}
		}
	}()
	return sigint, sigterm, func() {
		signal.Stop(ch)
		close(done)
	}
}
