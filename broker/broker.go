// Package broker is the in-process publish/subscribe bus between transports
// and application logic.
//
// Topics match by exact string equality. Publishing never blocks: every
// subscriber owns a bounded queue and, when it is full, the oldest pending
// message for that subscriber is dropped to make room. Telemetry is periodic
// and self-refreshing, so a slow consumer losing stale readings is preferred
// over a slow consumer stalling every publisher.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mbocsi/fieldhub/proto"
)

const (
	DefaultQueueDepth = 64

	// AppEventPrefix namespaces application events, e.g. "app.event.device_registered".
	AppEventPrefix = "app.event."
)

type Message struct {
	Topic     string           `json:"topic"`
	Payload   proto.Payload    `json:"payload"`
	Source    proto.SourceInfo `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

type Option func(*Broker)

func WithQueueDepth(n int) Option          { return func(b *Broker) { b.depth = n } }
func WithLogger(l zerolog.Logger) Option   { return func(b *Broker) { b.log = l } }
func WithClock(c clockwork.Clock) Option   { return func(b *Broker) { b.clock = c } }
func WithDropHook(fn func(string)) Option { return func(b *Broker) { b.onDrop = fn } }

type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription // topic -> subscription id -> subscription
	closed bool

	depth  int
	clock  clockwork.Clock
	log    zerolog.Logger
	onDrop func(topic string)
}

func New(opts ...Option) *Broker {
	b := &Broker{
		subs:  make(map[string]map[string]*Subscription),
		depth: DefaultQueueDepth,
		clock: clockwork.NewRealClock(),
		log:   log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.depth <= 0 {
		b.depth = DefaultQueueDepth
	}
	b.log = b.log.With().Str("component", "broker").Logger()
	return b
}

// Subscribe starts a fresh subscription with an empty queue. There is no
// replay of anything published before this call.
func (b *Broker) Subscribe(topic string) *Subscription {
	sub := newSubscription(b, uuid.NewString(), topic, b.depth)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	b.log.Debug().Str("topic", topic).Str("subscription", sub.id).Msg("Subscribed")
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subs[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.mu.Unlock()
	sub.close()
	b.log.Debug().Str("topic", sub.topic).Str("subscription", sub.id).Msg("Unsubscribed")
}

// Publish stamps and delivers a message to every subscriber of topic and
// returns how many subscribers received it.
func (b *Broker) Publish(topic string, payload proto.Payload, src proto.SourceInfo) int {
	return b.PublishMessage(Message{Topic: topic, Payload: payload, Source: src})
}

func (b *Broker) PublishMessage(msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	n := 0
	for _, sub := range b.subs[msg.Topic] {
		if sub.deliver(msg) {
			b.log.Debug().Str("topic", msg.Topic).Str("subscription", sub.id).Msg("Dropped oldest message (queue full)")
			if b.onDrop != nil {
				b.onDrop(msg.Topic)
			}
		}
		n++
	}
	return n
}

// PublishEvent publishes an application event on AppEventPrefix+name.
func (b *Broker) PublishEvent(name string, payload proto.Payload) int {
	return b.Publish(AppEventPrefix+name, payload, proto.SourceInfo{ID: "hub", Transport: proto.TransportInternal})
}

// Topics reports subscriber counts per topic.
func (b *Broker) Topics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.subs))
	for topic, subs := range b.subs {
		out[topic] = len(subs)
	}
	return out
}

// Close ends every subscription. Later publishes are ignored and later
// subscriptions are returned already closed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
}
