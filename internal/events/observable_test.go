package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObservable_ListenReceivesCurrentValue(t *testing.T) {
	o := NewObservable("disconnected")

	var got []string
	unregister := o.Listen(func(v string) { got = append(got, v) })
	assert.Equal(t, []string{"disconnected"}, got)

	o.Set("connecting")
	o.Set("connected")
	assert.Equal(t, []string{"disconnected", "connecting", "connected"}, got)
	assert.Equal(t, "connected", o.Get())

	unregister()
	o.Set("disconnected")
	assert.Len(t, got, 3)
	assert.Equal(t, 0, o.ListenerCount())
}

func TestObservable_RepeatedSetNotifiesEveryTime(t *testing.T) {
	o := NewObservable(0)
	calls := 0
	defer o.Listen(func(int) { calls++ })()

	o.Set(5)
	o.Set(5)
	assert.Equal(t, 3, calls)
}

func TestDistinctObservable_SkipsEqualValues(t *testing.T) {
	o := NewDistinctObservable(0)
	calls := 0
	defer o.Listen(func(int) { calls++ })()

	o.Set(5)
	o.Set(5)
	o.Set(6)
	assert.Equal(t, 3, calls)
}

func TestObservable_CallbackMaySetWithoutDeadlock(t *testing.T) {
	o := NewObservable(0)
	var mu sync.Mutex
	seen := 0
	defer o.Listen(func(v int) {
		mu.Lock()
		seen = v
		mu.Unlock()
		if v == 1 {
			o.Set(2)
		}
	})()

	o.Set(1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen)
	assert.Equal(t, 2, o.Get())
}

func TestObservable_NilCallbackPanics(t *testing.T) {
	o := NewObservable(0)
	assert.Panics(t, func() { o.Listen(nil) })
}
