package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEvent_NotifyAndUnregister(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("one")
	event.Notify("two")

	assert.Equal(t, "one", <-ch)
	assert.Equal(t, "two", <-ch)

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("three")
	select {
	case v := <-ch:
		t.Fatalf("unexpected value after unregister: %q", v)
	default:
	}
}

func TestChannelEvent_MultipleListeners(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch1 := make(chan int, 4)
	ch2 := make(chan int, 4)
	defer event.Listen(ch1)()
	defer event.Listen(ch2)()

	event.Notify(42)
	assert.Equal(t, 42, <-ch1)
	assert.Equal(t, 42, <-ch2)
}

func TestChannelEvent_ReplayLast(t *testing.T) {
	event := NewChannelEvent[int](true)
	event.Notify(7)

	ch := make(chan int, 1)
	defer event.Listen(ch)()

	select {
	case v := <-ch:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}
}

func TestChannelEvent_NoReplayWithoutNotify(t *testing.T) {
	event := NewChannelEvent[int](true)

	ch := make(chan int, 1)
	defer event.Listen(ch)()

	select {
	case v := <-ch:
		t.Fatalf("unexpected replay %d before any Notify", v)
	default:
	}
}

func TestChannelEvent_FullChannelDoesNotBlock(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch := make(chan int) // unbuffered, nobody reading
	defer event.Listen(ch)()

	done := make(chan struct{})
	go func() {
		event.Notify(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full channel")
	}
}

func TestChannelEvent_NilChannelPanics(t *testing.T) {
	event := NewChannelEvent[int](false)
	assert.Panics(t, func() { event.Listen(nil) })
}
