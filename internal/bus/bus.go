// Package bus provides the bounded in-process event channel the engine
// drains. A single consumer gives the daemon its total order on state
// transitions; producers block when the bus is full.
package bus

import (
	"errors"
	"sync"

	"github.com/oddjobs/oddjobs/internal/event"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus: closed")

// Bus is a bounded event channel with one consumer.
type Bus struct {
	ch   chan event.Envelope
	done chan struct{}
	once sync.Once
}

// New creates a bus with the given capacity.
func New(capacity int) *Bus {
	return &Bus{
		ch:   make(chan event.Envelope, capacity),
		done: make(chan struct{}),
	}
}

// Publish enqueues an event, blocking while the bus is full. A closed
// bus unblocks every producer with ErrClosed.
func (b *Bus) Publish(env event.Envelope) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- env:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// C returns the consumer channel. The channel itself is never closed;
// the consumer exits when it processes a Shutdown event.
func (b *Bus) C() <-chan event.Envelope { return b.ch }

// Close stops accepting publications and unblocks stalled producers.
// Buffered events remain readable.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}
