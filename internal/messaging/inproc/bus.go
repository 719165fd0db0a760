package inproc

import (
	"errors"
	"sync"

	"agentstation/internal/domain"
)

var ErrSubscriberQueueFull = errors.New("subscriber queue is full")

// Bus broadcasts orchestration signals to every subscriber in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Signal
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Signal),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(id string) <-chan domain.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		return ch
	}
	ch := make(chan domain.Signal, b.buffer)
	b.subs[id] = ch
	return ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// Publish delivers the signal to every subscriber. A full subscriber queue
// drops that subscriber's copy and reports the error; other subscribers still
// receive the signal.
func (b *Bus) Publish(sig domain.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
			err = ErrSubscriberQueueFull
		}
	}
	return err
}
