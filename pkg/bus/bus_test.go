package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	mb := NewMessageBus()
	a := mb.Subscribe()
	b := mb.Subscribe()

	mb.Publish("shop", "READY", "[shop] Device ready", nil)

	for _, ch := range []chan BusEvent{a, b} {
		ev := <-ch
		assert.Equal(t, "shopREADY", ev.Channel)
		assert.Equal(t, "READY", ev.Event)
		assert.Equal(t, "shop", ev.Tenant)
		assert.Equal(t, "[shop] Device ready", ev.Data.Message)
		assert.Nil(t, ev.Data.Result)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	mb := NewMessageBus()
	slow := mb.Subscribe()
	fast := mb.Subscribe()

	for i := 0; i < mb.bufSize+10; i++ {
		mb.Publish("shop", "MESSAGE", "m", i)
		<-fast
	}

	assert.Len(t, slow, mb.bufSize)
	assert.Equal(t, uint64(10), mb.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.Subscribe()
	require.Equal(t, 1, mb.Subscribers())

	mb.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, mb.Subscribers())

	mb.Publish("shop", "QR", "q", "img")
}

func TestCloseDetachesEveryone(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.Subscribe()
	mb.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := mb.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
