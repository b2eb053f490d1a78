// Package reassembly rebuilds protocol messages from the small chunks that
// constrained links deliver. Devices do not prefix a length, so a message is
// complete when its braces balance outside of string literals.
package reassembly

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTimeout   = errors.New("reassembly: timed out waiting for the rest of a message")
	ErrOverflow  = errors.New("reassembly: buffer exceeded maximum size")
	ErrMalformed = errors.New("reassembly: assembled message is not valid JSON")
)

// Error ties a reassembly failure to the connection it happened on.
type Error struct {
	Conn string
	Err  error
	Size int // bytes discarded
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v (conn=%s, discarded=%d bytes)", e.Err, e.Conn, e.Size)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxBufferSize = 4096
)

type Config struct {
	Timeout       time.Duration // measured from the first chunk of a pending message
	MaxBufferSize int
}

type Option func(*Reassembler)

func WithClock(c clockwork.Clock) Option    { return func(r *Reassembler) { r.clock = c } }
func WithLogger(l zerolog.Logger) Option     { return func(r *Reassembler) { r.log = l } }
func WithDiscardHook(fn func(*Error)) Option { return func(r *Reassembler) { r.onDiscard = fn } }

type Reassembler struct {
	cfg       Config
	clock     clockwork.Clock
	log       zerolog.Logger
	onDiscard func(*Error)

	mu   sync.Mutex
	bufs map[string]*buffer
}

type buffer struct {
	mu      sync.Mutex
	data    []byte
	depth   int
	inStr   bool
	escaped bool
	started time.Time
	// skipping drops the rest of a discarded message: bytes are scanned but
	// not kept until its braces close or a newline arrives.
	skipping bool
	dead     bool // removed from the map; callers must fetch a fresh buffer
}

func New(cfg Config, opts ...Option) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	r := &Reassembler{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   log.Logger,
		bufs:  make(map[string]*buffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("component", "reassembly").Logger()
	return r
}

// lockBuffer returns the live buffer for conn with its lock held.
func (r *Reassembler) lockBuffer(conn string) *buffer {
	for {
		r.mu.Lock()
		b, ok := r.bufs[conn]
		if !ok {
			b = &buffer{}
			r.bufs[conn] = b
		}
		r.mu.Unlock()

		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// Feed appends a chunk for conn and returns every message it completes, in
// order. Bytes outside a message (line endings, modem chatter) are skipped.
// The returned error reports a discarded buffer; messages completed before
// the failure are still returned.
func (r *Reassembler) Feed(conn string, chunk []byte) ([][]byte, error) {
	b := r.lockBuffer(conn)
	defer b.mu.Unlock()

	now := r.clock.Now()
	var firstErr error
	fail := func(err error) {
		e := &Error{Conn: conn, Err: err, Size: len(b.data)}
		b.discard(now)
		r.report(e)
		if firstErr == nil {
			firstErr = e
		}
	}

	if now.Sub(b.started) > r.cfg.Timeout {
		switch {
		case len(b.data) > 0:
			fail(ErrTimeout)
		case b.skipping:
			b.reset()
		}
	}

	var out [][]byte
	for _, c := range chunk {
		if b.skipping {
			b.skip(c)
			continue
		}
		if len(b.data) == 0 {
			if c != '{' {
				continue
			}
			b.started = now
		}
		b.data = append(b.data, c)
		if !b.scan(c) {
			if len(b.data) > r.cfg.MaxBufferSize {
				fail(ErrOverflow)
			}
			continue
		}
		msg := b.data
		b.reset()
		if !json.Valid(msg) {
			e := &Error{Conn: conn, Err: ErrMalformed, Size: len(msg)}
			r.report(e)
			if firstErr == nil {
				firstErr = e
			}
			continue
		}
		out = append(out, msg)
	}
	if b.idle() {
		r.remove(conn, b)
	}
	return out, firstErr
}

// scan advances the delimiter state by one byte and reports whether the
// message is complete.
func (b *buffer) scan(c byte) bool {
	switch {
	case b.escaped:
		b.escaped = false
	case b.inStr:
		switch c {
		case '\\':
			b.escaped = true
		case '"':
			b.inStr = false
		}
	default:
		switch c {
		case '"':
			b.inStr = true
		case '{', '[':
			b.depth++
		case '}', ']':
			b.depth--
			return b.depth <= 0
		}
	}
	return false
}

// skip consumes one byte of a discarded message. Devices end messages with
// a newline, so one also ends the skip.
func (b *buffer) skip(c byte) {
	if c == '\n' || b.scan(c) {
		b.reset()
	}
}

// discard drops the buffered bytes but keeps the delimiter state so the
// rest of the message is skipped rather than read as new messages.
func (b *buffer) discard(now time.Time) {
	b.data = nil
	b.skipping = true
	b.started = now
}

func (b *buffer) idle() bool { return len(b.data) == 0 && !b.skipping }

func (b *buffer) reset() {
	b.data = nil
	b.depth = 0
	b.inStr = false
	b.escaped = false
	b.skipping = false
	b.started = time.Time{}
}

// remove unmaps an idle buffer so connections that come and go do not
// accumulate entries. The caller holds b.mu.
func (r *Reassembler) remove(conn string, b *buffer) {
	b.dead = true
	r.mu.Lock()
	if cur, ok := r.bufs[conn]; ok && cur == b {
		delete(r.bufs, conn)
	}
	r.mu.Unlock()
}

// Discard drops any partial message for conn, e.g. on disconnect.
func (r *Reassembler) Discard(conn string) {
	r.mu.Lock()
	b, ok := r.bufs[conn]
	r.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	n := len(b.data)
	b.reset()
	r.remove(conn, b)
	b.mu.Unlock()
	if n > 0 {
		r.log.Debug().Str("conn", conn).Int("bytes", n).Msg("Discarded partial message on disconnect")
	}
}

// Sweep discards every partial buffer older than the timeout and returns how
// many were dropped.
func (r *Reassembler) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	conns := make(map[string]*buffer, len(r.bufs))
	for conn, b := range r.bufs {
		conns[conn] = b
	}
	r.mu.Unlock()

	dropped := 0
	for conn, b := range conns {
		b.mu.Lock()
		if now.Sub(b.started) > r.cfg.Timeout {
			switch {
			case len(b.data) > 0:
				e := &Error{Conn: conn, Err: ErrTimeout, Size: len(b.data)}
				b.discard(now)
				r.report(e)
				dropped++
			case b.skipping:
				b.reset()
			}
		}
		if b.idle() && !b.dead {
			r.remove(conn, b)
		}
		b.mu.Unlock()
	}
	return dropped
}

// Pending returns the number of connections holding a partial message.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	bufs := make([]*buffer, 0, len(r.bufs))
	for _, b := range r.bufs {
		bufs = append(bufs, b)
	}
	r.mu.Unlock()

	n := 0
	for _, b := range bufs {
		b.mu.Lock()
		if len(b.data) > 0 {
			n++
		}
		b.mu.Unlock()
	}
	return n
}

func (r *Reassembler) report(e *Error) {
	r.log.Warn().Err(e.Err).Str("conn", e.Conn).Int("bytes", e.Size).Msg("Discarded reassembly buffer")
	if r.onDiscard != nil {
		r.onDiscard(e)
	}
}
