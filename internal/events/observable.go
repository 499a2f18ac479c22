package events

import "sync"

// Observable holds a current value and calls subscribers whenever it is set.
// New subscribers are called immediately with the current value.
type Observable[T any] struct {
	mu        sync.RWMutex
	value     T
	listeners map[uint64]func(T)
	nextID    uint64
	equal     func(a, b T) bool
}

// NewObservable creates an Observable holding initial
func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{
		value:     initial,
		listeners: make(map[uint64]func(T)),
	}
}

// NewDistinctObservable creates an Observable that skips notification when
// the new value equals the current one
func NewDistinctObservable[T comparable](initial T) *Observable[T] {
	o := NewObservable(initial)
	o.equal = func(a, b T) bool { return a == b }
	return o
}

func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// Set stores value and notifies subscribers outside the lock
func (o *Observable[T]) Set(value T) {
	o.mu.Lock()
	if o.equal != nil && o.equal(o.value, value) {
		o.mu.Unlock()
		return
	}
	o.value = value
	callbacks := make([]func(T), 0, len(o.listeners))
	for _, cb := range o.listeners {
		callbacks = append(callbacks, cb)
	}
	o.mu.Unlock()

	for _, cb := range callbacks {
		cb(value)
	}
}

// Listen registers callback and returns its deregistration function
func (o *Observable[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = callback
	current := o.value
	o.mu.Unlock()

	callback(current)

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// ListenerCount returns the current number of registered listeners
func (o *Observable[T]) ListenerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners)
}
