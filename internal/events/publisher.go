// Package events broadcasts incident transition events to live observers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/google/uuid"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy string

// Overflow policies.
const (
	// OverflowDropSubscriber closes the lagging subscription.
	OverflowDropSubscriber OverflowPolicy = "drop_subscriber"
	// OverflowDropOldest discards the oldest buffered event to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// IsValid checks if the policy is known.
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowDropSubscriber || p == OverflowDropOldest
}

// Config holds publisher configuration.
type Config struct {
	BufferSize     int
	OverflowPolicy OverflowPolicy
}

// DefaultConfig returns default publisher configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:     64,
		OverflowPolicy: OverflowDropSubscriber,
	}
}

// Validate checks the publisher configuration.
func (c Config) Validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer size must be at least 1, got %d", c.BufferSize)
	}
	if !c.OverflowPolicy.IsValid() {
		return fmt.Errorf("unknown overflow policy %q", c.OverflowPolicy)
	}
	return nil
}

// Subscription is one observer's bounded view of the event stream.
type Subscription struct {
	id      string
	ch      chan domain.TransitionEvent
	dropped atomic.Uint64

	mu     sync.Mutex
	err    error
	closed bool
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the channel of delivered events. It is closed when the
// subscription ends; Err then tells why.
func (s *Subscription) Events() <-chan domain.TransitionEvent {
	return s.ch
}

// Err returns nil while the subscription is live or after a plain Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many events this subscriber lost under drop_oldest.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// close ends the subscription. Caller must hold the publisher lock.
func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Publisher fans out transition events to every live subscription.
//
// Publish holds one lock for the whole fan-out, so all subscribers see events in
// the same order, and never blocks on a subscriber.
type Publisher struct {
	config Config

	mu     sync.Mutex
	subs   map[string]*Subscription
	seq    uint64
	closed bool
}

// NewPublisher creates a publisher.
func NewPublisher(config Config) *Publisher {
	if config.BufferSize < 1 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if !config.OverflowPolicy.IsValid() {
		config.OverflowPolicy = DefaultConfig().OverflowPolicy
	}
	return &Publisher{
		config: config,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscription. After Close it returns an already
// closed subscription reporting ErrPublisherClosed.
func (p *Publisher) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan domain.TransitionEvent, p.config.BufferSize),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		sub.close(ErrPublisherClosed)
		return sub
	}
	p.subs[sub.id] = sub
	recordSubscribers(len(p.subs))
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subs[sub.id]; ok {
		delete(p.subs, sub.id)
		recordSubscribers(len(p.subs))
	}
	sub.close(nil)
}

// Publish stamps the event with the next sequence number and delivers it to
// every subscriber. It returns the stamped event.
func (p *Publisher) Publish(event domain.TransitionEvent) domain.TransitionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return event
	}

	p.seq++
	event.Seq = p.seq
	recordPublished()

	for id, sub := range p.subs {
		if p.deliver(sub, event) {
			continue
		}

		delete(p.subs, id)
		sub.close(ErrSubscriberOverflow)
		recordDropped(OverflowDropSubscriber)
		recordSubscribers(len(p.subs))
		slog.Warn("dropped slow event subscriber",
			"subscription_id", id,
			"buffer_size", p.config.BufferSize,
		)
	}
	return event
}

// deliver sends without blocking. It returns false if the subscriber must be dropped.
// Caller must hold p.mu.
func (p *Publisher) deliver(sub *Subscription, event domain.TransitionEvent) bool {
	select {
	case sub.ch <- event:
		return true
	default:
	}

	if p.config.OverflowPolicy == OverflowDropSubscriber {
		return false
	}

	// Only the publisher sends, so after one receive there is room.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		recordDropped(OverflowDropOldest)
	default:
	}
	select {
	case sub.ch <- event:
	default:
	}
	return true
}

// SubscriberCount returns the number of live subscriptions.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subs {
		sub.close(ErrPublisherClosed)
		delete(p.subs, id)
	}
	recordSubscribers(0)
}
