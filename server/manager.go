// Package server is the Transport Manager: it owns the adapters and wires
// reassembly, decoding, routing, the bus and the command scheduler into one
// inbound and one outbound pipeline.
package server

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/fieldhub/broker"
	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/reassembly"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/transport"
)

var (
	ErrDuplicateAdapter = errors.New("server: adapter name already registered")
	ErrRunning          = errors.New("server: manager already running")
)

type Config struct {
	Name                string
	OutboundTopics      []string
	RegistrationTimeout time.Duration
	SendQueue           int // per-connection sender backlog
	Workers             int // inbound workers; frames of one connection stay on one worker

	Reassembly    reassembly.Config
	SweepInterval time.Duration

	Scheduler     scheduler.Config
	PruneInterval time.Duration

	Advertise bool // announce network adapters over mDNS
}

func DefaultConfig() Config {
	return Config{
		Name:                "fieldhub",
		OutboundTopics:      []string{"com_input", "control"},
		RegistrationTimeout: 5 * time.Second,
		SendQueue:           32,
		Workers:             4,
		Reassembly: reassembly.Config{
			Timeout:       reassembly.DefaultTimeout,
			MaxBufferSize: reassembly.DefaultMaxBufferSize,
		},
		SweepInterval: time.Second,
		Scheduler:     scheduler.DefaultConfig(),
		PruneInterval: 30 * time.Second,
	}
}

// Store persists what the hub learns about devices.
type Store interface {
	// Touch records a sighting and reports whether the device is new.
	Touch(ctx context.Context, id string, src proto.SourceInfo, at time.Time) (bool, error)
	SetTrusted(ctx context.Context, id string, trusted bool) error
	SaveCapabilities(ctx context.Context, caps proto.Capabilities, at time.Time) error
}

// Whitelist decides which outbound topics may command which device.
type Whitelist interface {
	Allowed(deviceID, topic string) bool
}

// Metrics receives pipeline counters.
type Metrics interface {
	FrameReceived(adapter string, bytes int)
	MessageDecoded(kind proto.Kind)
	DecodeFailed(reason string)
	ReassemblyDiscarded(reason string)
	CommandRejected(reason string)
}

type nopMetrics struct{}

func (nopMetrics) FrameReceived(string, int)     {}
func (nopMetrics) MessageDecoded(proto.Kind)     {}
func (nopMetrics) DecodeFailed(string)           {}
func (nopMetrics) ReassemblyDiscarded(string)    {}
func (nopMetrics) CommandRejected(reason string) {}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option  { return func(m *Manager) { m.log = l } }
func WithClock(c clockwork.Clock) Option  { return func(m *Manager) { m.clock = c } }
func WithBus(b *broker.Broker) Option     { return func(m *Manager) { m.bus = b } }
func WithRoutes(t *routing.Table) Option  { return func(m *Manager) { m.routes = t } }
func WithStore(s Store) Option            { return func(m *Manager) { m.store = s } }
func WithWhitelist(w Whitelist) Option    { return func(m *Manager) { m.whitelist = w } }
func WithMetrics(mt Metrics) Option       { return func(m *Manager) { m.metrics = mt } }
func WithAdapters(a ...transport.Adapter) Option {
	return func(m *Manager) { m.pendingAdapters = append(m.pendingAdapters, a...) }
}

type Manager struct {
	cfg       Config
	log       zerolog.Logger
	clock     clockwork.Clock
	bus       *broker.Broker
	routes    *routing.Table
	reasm     *reassembly.Reassembler
	sched     *scheduler.Scheduler
	pending   *Pending
	store     Store
	whitelist Whitelist
	metrics   Metrics

	pendingAdapters []transport.Adapter

	mu          sync.RWMutex
	adapters    map[string]transport.Adapter
	senders     map[string]*connSender // keyed by endpoint
	registering map[string]struct{}
	touched     map[string]time.Time // last store write per device
	critical    map[string]chan scheduler.Command
	running     bool

	wg sync.WaitGroup // sender loops and critical workers
}

func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if len(cfg.OutboundTopics) == 0 {
		cfg.OutboundTopics = def.OutboundTopics
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = def.RegistrationTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}

	m := &Manager{
		cfg:         cfg,
		log:         log.Logger,
		clock:       clockwork.NewRealClock(),
		metrics:     nopMetrics{},
		pending:     NewPending(),
		adapters:    make(map[string]transport.Adapter),
		senders:     make(map[string]*connSender),
		registering: make(map[string]struct{}),
		touched:     make(map[string]time.Time),
		critical:    make(map[string]chan scheduler.Command),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "manager").Logger()
	if m.bus == nil {
		m.bus = broker.New(broker.WithLogger(m.log), broker.WithClock(m.clock))
	}
	if m.routes == nil {
		m.routes = routing.NewTable(routing.WithLogger(m.log), routing.WithClock(m.clock))
	}
	m.reasm = reassembly.New(cfg.Reassembly,
		reassembly.WithClock(m.clock),
		reassembly.WithLogger(m.log),
		reassembly.WithDiscardHook(func(e *reassembly.Error) {
			m.metrics.ReassemblyDiscarded(discardReason(e.Err))
		}),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithClock(m.clock),
		scheduler.WithLogger(m.log),
		scheduler.WithPublisher(m.bus),
	}
	if obs, ok := m.metrics.(scheduler.Observer); ok {
		schedOpts = append(schedOpts, scheduler.WithObserver(obs))
	}
	m.sched = scheduler.New(m, cfg.Scheduler, schedOpts...)

	for _, a := range m.pendingAdapters {
		if err := m.AddAdapter(a); err != nil {
			m.log.Error().Err(err).Str("adapter", a.Name()).Msg("Skipping adapter")
		}
	}
	m.pendingAdapters = nil
	return m
}

func (m *Manager) Bus() *broker.Broker             { return m.bus }
func (m *Manager) Routes() *routing.Table          { return m.routes }
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// AddAdapter registers an adapter. Adapters must be added before Run.
func (m *Manager) AddAdapter(a transport.Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunning
	}
	if _, ok := m.adapters[a.Name()]; ok {
		return errors.Wrap(ErrDuplicateAdapter, a.Name())
	}
	m.adapters[a.Name()] = a
	return nil
}

// Adapters describes every registered adapter, sorted by name.
func (m *Manager) Adapters() []transport.Info {
	m.mu.RLock()
	out := make([]transport.Info, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts every adapter and pipeline and blocks until ctx is cancelled.
// A failing adapter is logged and does not stop the others.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrRunning
	}
	m.running = true
	adapters := make([]transport.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	jobs, err := m.startJobs()
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}
	m.log.Info().Str("name", m.cfg.Name).Int("adapters", len(adapters)).Msg("Starting transport manager")

	g, ctx := errgroup.WithContext(ctx)

	// Subscribe before any adapter runs so no command published after
	// startup is missed.
	for _, topic := range m.cfg.OutboundTopics {
		sub := m.bus.Subscribe(topic)
		g.Go(func() error {
			defer m.bus.Unsubscribe(sub)
			m.consumeCommands(ctx, sub)
			return nil
		})
	}

	inbound := make(chan transport.Frame, 64)
	workers := make([]chan transport.Frame, m.cfg.Workers)
	for i := range workers {
		workers[i] = make(chan transport.Frame, 16)
		ch := workers[i]
		g.Go(func() error {
			for f := range ch {
				m.handleFrame(f)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return nil
			case f := <-inbound:
				workers[shard(f.Endpoint(), len(workers))] <- f
			}
		}
	})

	for _, a := range adapters {
		g.Go(func() error {
			if err := a.Start(ctx, inbound); err != nil {
				m.log.Error().Err(err).Str("adapter", a.Name()).Msg("Adapter stopped with error")
			}
			return nil
		})
	}

	var adv *advertiser
	if m.cfg.Advertise {
		if adv, err = m.advertise(adapters); err != nil {
			m.log.Warn().Err(err).Msg("mDNS advertisement unavailable")
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		if err := jobs.Shutdown(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to stop maintenance jobs")
		}
		if adv != nil {
			adv.Shutdown()
		}
		return nil
	})

	err = g.Wait()
	m.shutdown()
	m.log.Info().Msg("Transport manager stopped")
	return err
}

func (m *Manager) shutdown() {
	m.sched.Close()
	m.mu.Lock()
	for ep, s := range m.senders {
		s.close()
		delete(m.senders, ep)
	}
	clear(m.critical)
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) startJobs() (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithClock(m.clock))
	if err != nil {
		return nil, errors.Wrap(err, "create job scheduler")
	}
	if _, err := s.NewJob(
		gocron.DurationJob(m.cfg.PruneInterval),
		gocron.NewTask(func() {
			if pruned := m.sched.PruneStale(); len(pruned) > 0 {
				m.log.Info().Strs("devices", pruned).Msg("Pruned stale device schedules")
			}
		}),
		gocron.WithName("prune-stale-schedules"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, errors.Wrap(err, "schedule prune job")
	}
	if _, err := s.NewJob(
		gocron.DurationJob(m.cfg.SweepInterval),
		gocron.NewTask(func() { m.reasm.Sweep() }),
		gocron.WithName("sweep-reassembly"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, errors.Wrap(err, "schedule sweep job")
	}
	s.Start()
	return s, nil
}

func shard(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, reassembly.ErrTimeout):
		return "timeout"
	case errors.Is(err, reassembly.ErrOverflow):
		return "overflow"
	case errors.Is(err, reassembly.ErrMalformed):
		return "malformed"
	}
	return "other"
}
