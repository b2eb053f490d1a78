package routing

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mbocsi/fieldhub/proto"
)

var ErrDeviceUnroutable = errors.New("routing: device unroutable")

type Entry struct {
	DeviceID string           `json:"device_id"`
	Source   proto.SourceInfo `json:"source"`
	LastSeen time.Time        `json:"last_seen"`
}

// Mirror receives a copy of every refreshed entry. Implementations must not block.
type Mirror interface {
	Store(Entry)
}

type Option func(*Table)

func WithClock(c clockwork.Clock) Option { return func(t *Table) { t.clock = c } }
func WithLogger(l zerolog.Logger) Option { return func(t *Table) { t.log = l } }
func WithMirror(m Mirror) Option         { return func(t *Table) { t.mirror = m } }

// Table maps device identities to their last known transport address.
// The map lock only guards membership; each entry has its own lock so
// devices never contend with one another.
type Table struct {
	mu    sync.RWMutex
	slots map[string]*slot

	clock  clockwork.Clock
	log    zerolog.Logger
	mirror Mirror
}

type slot struct {
	mu    sync.RWMutex
	entry Entry
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		slots: make(map[string]*slot),
		clock: clockwork.NewRealClock(),
		log:   log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) slot(id string, create bool) *slot {
	t.mu.RLock()
	s, ok := t.slots[id]
	t.mu.RUnlock()
	if ok || !create {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.slots[id]; !ok {
		s = &slot{}
		t.slots[id] = s
	}
	return s
}

// Update records that id was just heard from src. Only the inbound path
// calls it; outbound sends never create entries.
func (t *Table) Update(id string, src proto.SourceInfo) {
	if id == "" {
		return
	}
	src.ID = id
	s := t.slot(id, true)

	s.mu.Lock()
	moved := s.entry.Source.Address != "" &&
		(s.entry.Source.Address != src.Address || s.entry.Source.Transport != src.Transport)
	s.entry = Entry{DeviceID: id, Source: src, LastSeen: t.clock.Now()}
	entry := s.entry
	s.mu.Unlock()

	if moved {
		t.log.Info().Str("device_id", id).Str("transport", string(src.Transport)).
			Str("address", src.Address).Msg("Device route changed")
	}
	if t.mirror != nil {
		t.mirror.Store(entry)
	}
}

// Lookup returns where to send to id. Stale entries stay routable.
func (t *Table) Lookup(id string) (proto.SourceInfo, error) {
	s := t.slot(id, false)
	if s == nil {
		return proto.SourceInfo{}, ErrDeviceUnroutable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entry.Source, nil
}

func (t *Table) Entry(id string) (Entry, bool) {
	s := t.slot(id, false)
	if s == nil {
		return Entry{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entry, true
}

// Snapshot returns every entry sorted by device identity.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	slots := make([]*slot, 0, len(t.slots))
	for _, s := range t.slots {
		slots = append(slots, s)
	}
	t.mu.RUnlock()

	entries := make([]Entry, 0, len(slots))
	for _, s := range slots {
		s.mu.RLock()
		entries = append(entries, s.entry)
		s.mu.RUnlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DeviceID < entries[j].DeviceID })
	return entries
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
