package events

import (
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/technosupport/homeguard/internal/metrics"
)

var (
	ErrSubscriberExists   = errors.New("subscriber id already exists")
	ErrSubscriberNotFound = errors.New("subscriber id not found")
	ErrBusClosed          = errors.New("bus is closed")
)

const DefaultBuffer = 64

// Subscription is one observer's feed. The channel is closed when the
// subscription is removed or the bus is closed.
type Subscription struct {
	id    string
	class string
	ch    chan Event
	kinds map[Kind]bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (s *Subscription) ID() string           { return s.id }
func (s *Subscription) Events() <-chan Event { return s.ch }
func (s *Subscription) Delivered() uint64    { return s.delivered.Load() }
func (s *Subscription) Dropped() uint64      { return s.dropped.Load() }

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// SubscriberStats is a point-in-time copy of one subscription's counters.
type SubscriberStats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type Stats struct {
	Published   uint64                     `json:"published"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

// Bus delivers every published event to every registered subscription
// without blocking the publisher. A full feed drops the event for that
// subscriber only and bumps its drop counter.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	closed    bool
	published atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a feed with room for buffer undelivered events. When
// kinds is non-empty only those kinds are delivered.
func (b *Bus) Subscribe(id string, buffer int, kinds ...Kind) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subs[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &Subscription{id: id, class: SubscriberClass(id), ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.subs[id] = sub
	return sub, nil
}

// SubscriberClass is the part of id before the first '/'. Short-lived
// subscribers such as "ws/<uuid>" share one class in metrics.
func SubscriberClass(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return id
}

func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	close(sub.ch)
	return nil
}

// Publish never blocks. Events from one publisher goroutine reach each
// subscriber in publish order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	metrics.EventsPublishedTotal.WithLabelValues(string(e.Kind())).Inc()

	for _, sub := range b.subs {
		if !sub.wants(e.Kind()) {
			continue
		}
		select {
		case sub.ch <- e:
			sub.delivered.Add(1)
		default:
			n := sub.dropped.Add(1)
			metrics.EventsDroppedTotal.WithLabelValues(sub.class).Inc()
			if n == 1 || n%100 == 0 {
				log.Printf("[WARN] Event Bus: subscriber %s is full, %d events dropped", sub.id, n)
			}
		}
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, sub := range b.subs {
		st.Subscribers[id] = SubscriberStats{Delivered: sub.Delivered(), Dropped: sub.Dropped()}
	}
	return st
}

// Close closes every feed. Later Publish calls are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
