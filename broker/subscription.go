package broker

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("broker: subscription closed")

type Subscription struct {
	id    string
	topic string
	b     *Broker

	mu    sync.Mutex
	queue *ring[Message]

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newSubscription(b *Broker, id, topic string, depth int) *Subscription {
	return &Subscription{
		id:     id,
		topic:  topic,
		b:      b,
		queue:  newRing[Message](depth),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Topic() string { return s.topic }

// Dropped counts messages this subscriber lost to a full queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// deliver enqueues msg and reports whether an older message was dropped.
func (s *Subscription) deliver(msg Message) bool {
	s.mu.Lock()
	_, overflow := s.queue.push(msg)
	s.mu.Unlock()
	if overflow {
		s.dropped.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return overflow
}

// Next blocks until a message is available, ctx ends, or the subscription
// is closed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		msg, ok := s.queue.pop()
		s.mu.Unlock()
		if ok {
			return msg, nil
		}

		select {
		case <-s.notify:
		case <-s.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// All yields messages lazily until ctx ends or the subscription closes.
// Breaking out of the loop leaves the subscription open; ranging again
// resumes with whatever is queued.
func (s *Subscription) All(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			msg, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Close unsubscribes and wakes any blocked reader.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
