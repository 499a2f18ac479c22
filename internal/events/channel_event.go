package events

import (
	"sync"
	"sync/atomic"
)

// ChannelEvent fans values out to registered channels.
// Sends never block: a full channel misses the value and the miss is counted.
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]chan<- T
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             T
	hasNotified           bool
	dropped               atomic.Uint64
}

// NewChannelEvent creates a new ChannelEvent.
// sendLastEventOnListen: remember the last Notify value and hand it to new
// listeners as soon as they register.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:              make(map[uint64]chan<- T),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers ch and returns its deregistration function
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	replay := e.sendLastEventOnListen && e.hasNotified
	last := e.lastEvent
	e.mu.Unlock()

	if replay {
		e.send(ch, last)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.channels, id)
			e.mu.Unlock()
		})
	}
}

// Notify sends value to every registered channel
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		e.lastEvent = value
		e.hasNotified = true
	}
	targets := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		e.send(ch, value)
	}
}

func (e *ChannelEvent[T]) send(ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
		e.dropped.Add(1)
	}
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

// Dropped returns how many sends were skipped because a listener was full
func (e *ChannelEvent[T]) Dropped() uint64 {
	return e.dropped.Load()
}
