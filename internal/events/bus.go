package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Message is what subscribers receive: the topic, when it was published and its payload.
type Message struct {
	Event   Event     `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Message
	all     []chan Message
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// Subscribe registers a listener for one event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[e] = append(b.subs[e], ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[e] = remove(b.subs[e], ch)
	}
}

// SubscribeAll receives every published event (used by the operator stream).
func (b *Bus) SubscribeAll(buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.all = append(b.all, ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, ch)
	}
}

// Publish fans the payload out to subscribers without blocking; slow
// subscribers lose messages.
func (b *Bus) Publish(e Event, payload any) {
	msg := Message{Event: e, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		b.offer(ch, msg)
	}
	for _, ch := range b.all {
		b.offer(ch, msg)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) offer(ch chan Message, msg Message) {
	select {
	case ch <- msg:
	default:
		b.dropped.Add(1)
	}
}

func remove(subs []chan Message, ch chan Message) []chan Message {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
