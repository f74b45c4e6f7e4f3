package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus fans broadcasts out to every subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type MessageBus struct {
	observers []chan BusEvent
	obsMu     sync.RWMutex
	dropped   atomic.Uint64
	closed    bool
	bufSize   int
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		observers: make([]chan BusEvent, 0),
		bufSize:   50,
	}
}

// Subscribe returns a channel that receives copies of all bus events.
func (mb *MessageBus) Subscribe() chan BusEvent {
	ch := make(chan BusEvent, mb.bufSize)
	mb.obsMu.Lock()
	defer mb.obsMu.Unlock()
	if mb.closed {
		close(ch)
		return ch
	}
	mb.observers = append(mb.observers, ch)
	return ch
}

// Unsubscribe removes an observer channel.
func (mb *MessageBus) Unsubscribe(ch chan BusEvent) {
	mb.obsMu.Lock()
	defer mb.obsMu.Unlock()
	for i, obs := range mb.observers {
		if obs == ch {
			mb.observers = append(mb.observers[:i], mb.observers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (mb *MessageBus) notifyObservers(event BusEvent) {
	mb.obsMu.RLock()
	defer mb.obsMu.RUnlock()
	for _, obs := range mb.observers {
		select {
		case obs <- event:
		default:
			mb.dropped.Add(1)
		}
	}
}

// Publish broadcasts an event on the tenant + event channel.
func (mb *MessageBus) Publish(tenant, event, message string, result any) {
	mb.notifyObservers(BusEvent{
		Channel: ChannelName(tenant, event),
		Event:   event,
		Tenant:  tenant,
		Data:    Payload{Message: message, Result: result},
		Time:    time.Now(),
	})
}

// Subscribers reports the number of attached observers.
func (mb *MessageBus) Subscribers() int {
	mb.obsMu.RLock()
	defer mb.obsMu.RUnlock()
	return len(mb.observers)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (mb *MessageBus) Dropped() uint64 {
	return mb.dropped.Load()
}

// Close detaches and closes every subscriber.
func (mb *MessageBus) Close() {
	mb.obsMu.Lock()
	defer mb.obsMu.Unlock()
	for _, obs := range mb.observers {
		close(obs)
	}
	mb.observers = nil
	mb.closed = true
}
