// Package eventsub is a small fan-out over channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
package eventsub

import "sync"

type EventSub[T any] struct {
	mu      sync.RWMutex
	subs    map[int]chan T
	next    int
	closed  bool
	dropped uint64
}

func New[T any]() *EventSub[T] {
	return &EventSub[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel with room for buf pending events and a cancel
// func that closes it. Subscribing after Close returns a closed channel.
func (es *EventSub[T]) Subscribe(buf int) (<-chan T, func()) {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan T, buf)
	if es.closed {
		close(ch)
		return ch, func() {}
	}
	id := es.next
	es.next++
	es.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { es.unsubscribe(id) })
	}
}

func (es *EventSub[T]) unsubscribe(id int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if ch, ok := es.subs[id]; ok {
		delete(es.subs, id)
		close(ch)
	}
}

// Publish hands data to every subscriber with buffer room and reports how
// many subscribers missed it.
func (es *EventSub[T]) Publish(data T) int {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return 0
	}
	missed := 0
	for _, ch := range es.subs {
		select {
		case ch <- data:
		default:
			missed++
		}
	}
	es.dropped += uint64(missed)
	return missed
}

func (es *EventSub[T]) Dropped() uint64 {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.dropped
}

func (es *EventSub[T]) Len() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.subs)
}

func (es *EventSub[T]) Close() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.closed {
		es.closed = true
		for id, ch := range es.subs {
			close(ch)
			delete(es.subs, id)
		}
	}
}
