// Package events implements the in-memory broadcast broker used for
// formicaio's two broadcast topics: BgCmd commands consumed by
// BackgroundLoop, and batch-cancel ids consumed by the BatchScheduler
// runner (SPEC_FULL.md §4.5/§4.6, spec.md §9 "a single broadcast topic
// carries BgCmd; a second broadcast topic carries batch-cancel ids").
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the broadcast channel capacity mandated by
// spec.md §5: "the command broadcast channel has capacity 1000;
// producers must not block on it - drop-oldest on overflow with a
// logged warning."
const DefaultCapacity = 1000

// Subscriber is a channel receiving broadcast values of type T.
type Subscriber[T any] chan T

// Broker is a generic, non-blocking, drop-oldest-on-overflow broadcast
// bus. It generalizes the single-event-type broker the teacher uses
// for cluster events, parameterized over payload type so the same
// implementation backs both the BgCmd topic and the batch-cancel
// topic without duplicating the broadcast loop.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[Subscriber[T]]bool
	eventCh     chan T
	stopCh      chan struct{}
	log         zerolog.Logger
}

// NewBroker creates a broker with the mandated capacity-1000 publish
// buffer and a 50-deep buffer per subscriber.
func NewBroker[T any](log zerolog.Logger) *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[Subscriber[T]]bool),
		eventCh:     make(chan T, DefaultCapacity),
		stopCh:      make(chan struct{}),
		log:         log,
	}
}

// Start begins the broker's distribution loop.
func (b *Broker[T]) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker[T]) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker[T]) Subscribe() Subscriber[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber[T], 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker[T]) Unsubscribe(sub Subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues a value for broadcast. It never blocks: when the
// publish buffer is full, the oldest queued value is dropped (with a
// logged warning) to make room, per spec.md §5's drop-oldest policy.
func (b *Broker[T]) Publish(v T) {
	select {
	case b.eventCh <- v:
		return
	default:
	}

	select {
	case <-b.eventCh:
		b.log.Warn().Msg("broadcast buffer full, dropping oldest queued value")
	default:
	}

	select {
	case b.eventCh <- v:
	default:
		b.log.Warn().Msg("broadcast buffer still full after eviction, dropping publish")
	}
}

func (b *Broker[T]) run() {
	for {
		select {
		case v := <-b.eventCh:
			b.broadcast(v)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker[T]) broadcast(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- v:
		default:
			b.log.Warn().Msg("subscriber buffer full, dropping delivery")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
