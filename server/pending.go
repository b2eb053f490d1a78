package server

import (
	"sync"

	"github.com/mbocsi/fieldhub/proto"
)

// Pending correlates responses with the requests waiting on them, keyed by
// the reply_to id the request carried.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan proto.Message
}

func NewPending() *Pending {
	return &Pending{waiters: make(map[string]chan proto.Message)}
}

// Expect registers interest in a reply. The returned cancel must be called
// once the caller stops waiting.
func (p *Pending) Expect(id string) (<-chan proto.Message, func()) {
	ch := make(chan proto.Message, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		if p.waiters[id] == ch {
			delete(p.waiters, id)
		}
		p.mu.Unlock()
	}
}

// Resolve hands a response to its waiter. Only the first response for an id
// is delivered.
func (p *Pending) Resolve(msg proto.Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[msg.InReplyTo]
	if ok {
		delete(p.waiters, msg.InReplyTo)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
