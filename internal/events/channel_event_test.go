package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelEvent(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.sendLastEventOnListen)

	event2 := NewChannelEvent[int](true)
	assert.True(t, event2.sendLastEventOnListen)
}

func TestChannelEvent_Listen_Notify_Basic(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("adv-1")
	event.Notify("adv-2")

	received := make([]string, 0)
	for len(received) < 2 {
		select {
		case val := <-ch:
			received = append(received, val)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("Timeout waiting for events")
		}
	}
	assert.Equal(t, []string{"adv-1", "adv-2"}, received)

	unregister()
	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("adv-3")
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unregister: %s", val)
	default:
	}
}

func TestChannelEvent_MultipleListeners(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch1 := make(chan int, 10)
	ch2 := make(chan int, 10)
	defer event.Listen(ch1)()
	defer event.Listen(ch2)()

	event.Notify(42)

	assert.Equal(t, 42, <-ch1)
	assert.Equal(t, 42, <-ch2)
}

func TestChannelEvent_SendLastEventOnListen(t *testing.T) {
	event := NewChannelEvent[string](true)

	early := make(chan string, 1)
	defer event.Listen(early)()
	select {
	case val := <-early:
		t.Errorf("Unexpected value before any Notify: %s", val)
	default:
	}

	event.Notify("latest")
	assert.Equal(t, "latest", <-early)

	late := make(chan string, 1)
	defer event.Listen(late)()
	select {
	case val := <-late:
		assert.Equal(t, "latest", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("late listener did not receive the last event")
	}
}

func TestChannelEvent_FullChannelIsSkippedAndCounted(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch := make(chan int, 1)
	defer event.Listen(ch)()

	event.Notify(1)
	event.Notify(2)
	event.Notify(3)

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, uint64(2), event.Dropped())
}

func TestChannelEvent_ConcurrentNotify(t *testing.T) {
	event := NewChannelEvent[int](false)
	ch := make(chan int, 100)
	defer event.Listen(ch)()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			event.Notify(n)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, len(ch))
}

func TestChannelEvent_NilChannelPanics(t *testing.T) {
	event := NewChannelEvent[int](false)
	assert.Panics(t, func() { event.Listen(nil) })
}
