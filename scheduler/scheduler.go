// Package scheduler holds outbound commands until a device advertises that it
// can receive them.
//
// Devices embed a schedule in their telemetry: whether they are in a Data
// period or a Cmd window, how long until the next window, and how long it
// lasts. Each device moves through Unknown -> Data <-> Cmd driven only by what
// it reports. Commands wait in three FIFO lanes (High, Normal, Low) and are
// drained in strict priority order once per Cmd window. Critical commands
// skip the queue and are sent immediately.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mbocsi/fieldhub/proto"
)

var (
	ErrInvalidCommand   = errors.New("scheduler: invalid command")
	ErrClosed           = errors.New("scheduler: closed")
	ErrRetriesExhausted = errors.New("scheduler: retries exhausted")
	ErrWindowClosed     = errors.New("scheduler: command window closed")
)

// EventTopic is where scheduler events are published.
const EventTopic = "scheduler_event"

// Sender delivers an encoded command to a device. The Transport Manager
// implements it with a routing lookup and a per-connection send.
type Sender interface {
	Send(ctx context.Context, msg proto.Message) error
}

// Publisher is satisfied by *broker.Broker.
type Publisher interface {
	Publish(topic string, payload proto.Payload, src proto.SourceInfo) int
}

// Observer receives counters for metrics.
type Observer interface {
	CommandSent(deviceID string, p Priority)
	CommandRetried(deviceID string)
	CommandDropped(deviceID, reason string)
	QueueDepth(deviceID string, n int)
}

type nopObserver struct{}

func (nopObserver) CommandSent(string, Priority)  {}
func (nopObserver) CommandRetried(string)         {}
func (nopObserver) CommandDropped(string, string) {}
func (nopObserver) QueueDepth(string, int)        {}

type Command struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	Action     string        `json:"action"`
	Payload    proto.Value   `json:"payload"` // optional; null when absent
	Priority   Priority      `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	MaxAge     time.Duration `json:"max_age,omitempty"` // zero means no expiry
	Attempts   int           `json:"attempts"`
}

func (c *Command) expired(now time.Time) bool {
	return c.MaxAge > 0 && now.Sub(c.EnqueuedAt) > c.MaxAge
}

type Config struct {
	MaxAttempts    int           // send attempts per command before it is dropped
	MaxQueueDepth  int           // per device, across lanes
	SendInterval   time.Duration // pause between commands of one flush; zero disables
	SendTimeout    time.Duration
	StaleAfter     time.Duration
	ImminentWithin time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		MaxQueueDepth:  64,
		SendInterval:   100 * time.Millisecond,
		SendTimeout:    2 * time.Second,
		StaleAfter:     5 * time.Minute,
		ImminentWithin: 5 * time.Second,
	}
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithPublisher(p Publisher) Option   { return func(s *Scheduler) { s.pub = p } }
func WithObserver(o Observer) Option     { return func(s *Scheduler) { s.obs = o } }

type Scheduler struct {
	cfg    Config
	sender Sender
	pub    Publisher
	obs    Observer
	clock  clockwork.Clock
	log    zerolog.Logger

	// mu guards the device map and the closed flag only. Queue and schedule
	// state are guarded per device.
	mu      sync.Mutex
	devices map[string]*device
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sender Sender, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.SendInterval < 0 {
		cfg.SendInterval = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.ImminentWithin <= 0 {
		cfg.ImminentWithin = def.ImminentWithin
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		sender:  sender,
		obs:     nopObserver{},
		clock:   clockwork.NewRealClock(),
		log:     log.Logger,
		devices: make(map[string]*device),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()
	return s
}

// lockDevice returns the live device record with its lock held, creating it
// when create is set. It returns nil when the device is unknown and create
// is false.
func (s *Scheduler) lockDevice(id string, create bool) *device {
	for {
		s.mu.Lock()
		d, ok := s.devices[id]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			d = &device{id: id}
			s.devices[id] = d
		}
		s.mu.Unlock()

		d.mu.Lock()
		if !d.removed {
			return d
		}
		d.mu.Unlock()
	}
}

// Enqueue queues a command for the device's next Cmd window. Critical
// commands are sent before Enqueue returns, regardless of the device's mode,
// and a send failure (including an unroutable device) is returned as is.
func (s *Scheduler) Enqueue(ctx context.Context, cmd Command) error {
	if cmd.DeviceID == "" || cmd.Action == "" {
		return ErrInvalidCommand
	}
	if !cmd.Priority.Valid() {
		return ErrInvalidCommand
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.EnqueuedAt = s.clock.Now()
	cmd.Attempts = 0

	if cmd.Priority == Critical {
		s.publish("command_sent_critical", cmd.DeviceID, proto.Payload{
			{Key: "action", Value: proto.String(cmd.Action)},
			{Key: "priority", Value: proto.String(Critical.String())},
		})
		cmd.Attempts++
		if err := s.send(ctx, &cmd); err != nil {
			s.log.Warn().Err(err).Str("device_id", cmd.DeviceID).Str("action", cmd.Action).Msg("Critical command failed")
			return err
		}
		s.obs.CommandSent(cmd.DeviceID, Critical)
		return nil
	}

	d := s.lockDevice(cmd.DeviceID, true)
	c := cmd
	d.lanes[c.Priority] = append(d.lanes[c.Priority], &c)
	evicted := d.evict(s.cfg.MaxQueueDepth)
	depth := d.queued()
	mode := d.mode()
	d.mu.Unlock()

	s.log.Info().Str("device_id", c.DeviceID).Str("action", c.Action).Stringer("priority", c.Priority).
		Int("queued", depth).Stringer("mode", mode).Msg("Command queued")
	s.publish("command_queued", c.DeviceID, proto.Payload{
		{Key: "action", Value: proto.String(c.Action)},
		{Key: "priority", Value: proto.String(c.Priority.String())},
		{Key: "queue_size", Value: proto.Int(int64(depth))},
	})
	for _, e := range evicted {
		s.log.Warn().Str("device_id", e.DeviceID).Str("action", e.Action).Stringer("priority", e.Priority).
			Msg("Queue full, evicted oldest command")
		s.publish("command_evicted", e.DeviceID, proto.Payload{
			{Key: "action", Value: proto.String(e.Action)},
			{Key: "priority", Value: proto.String(e.Priority.String())},
		})
		s.obs.CommandDropped(e.DeviceID, "evicted")
	}
	s.obs.QueueDepth(c.DeviceID, depth)
	return nil
}

// ObserveTelemetry feeds a device's schedule advertisement into its state
// machine and starts a flush when the device enters a Cmd window that has
// not been flushed yet. Telemetry without metadata only refreshes an
// existing schedule's freshness.
func (s *Scheduler) ObserveTelemetry(deviceID string, meta *proto.Schedule) {
	now := s.clock.Now()
	if meta == nil {
		if d := s.lockDevice(deviceID, false); d != nil {
			if d.sched != nil {
				d.sched.updated = now
			}
			d.mu.Unlock()
		}
		return
	}

	d := s.lockDevice(deviceID, true)
	prev := d.sched
	next := newSchedule(meta, now)

	var events []event
	switch next.mode {
	case ModeCmd:
		if prev == nil || prev.mode != ModeCmd || now.Sub(prev.windowOpened) > prev.cmdDur {
			d.window++
			d.imminentAnnounced = false
			next.windowOpened = now
			events = append(events, event{"cmd_window_open", proto.Payload{
				{Key: "duration", Value: proto.Int(int64(next.cmdDur / time.Second))},
			}})
		} else {
			next.windowOpened = prev.windowOpened
		}
	case ModeData:
		switch {
		case next.cmdIn > 0 && next.cmdIn <= s.cfg.ImminentWithin && !d.imminentAnnounced:
			d.imminentAnnounced = true
			events = append(events, event{"cmd_window_imminent", proto.Payload{
				{Key: "seconds", Value: proto.Int(int64(next.cmdIn / time.Second))},
			}})
		case next.cmdIn > s.cfg.ImminentWithin && (prev == nil || prev.mode != ModeData):
			events = append(events, event{"cmd_window_scheduled", proto.Payload{
				{Key: "seconds", Value: proto.Int(int64(next.cmdIn / time.Second))},
			}})
		}
	}
	d.sched = next

	start := false
	window := d.window
	if next.mode == ModeCmd && d.window != d.flushed && !d.flushing && d.queued() > 0 {
		s.mu.Lock()
		if !s.closed {
			d.flushed = d.window
			d.flushing = true
			s.wg.Add(1)
			start = true
		}
		s.mu.Unlock()
	}
	d.mu.Unlock()

	if prev == nil || prev.mode != next.mode {
		s.log.Debug().Str("device_id", deviceID).Stringer("mode", next.mode).
			Dur("cmd_in", next.cmdIn).Dur("cmd_dur", next.cmdDur).Msg("Device schedule changed")
	}
	for _, e := range events {
		s.publish(e.name, deviceID, e.details)
	}
	if start {
		go s.flush(d, window)
	}
}

type event struct {
	name    string
	details proto.Payload
}

// flush drains one batch for the given window. It stops at the first failed
// send; the failed command and everything after it go back to the front of
// their lanes for the next window.
func (s *Scheduler) flush(d *device, window uint64) {
	defer s.wg.Done()

	now := s.clock.Now()
	d.mu.Lock()
	batch, expired := d.drain(now)
	d.mu.Unlock()

	s.log.Info().Str("device_id", d.id).Int("count", len(batch)).Uint64("window", window).Msg("Cmd window open, sending queued commands")
	s.publish("batch_start", d.id, proto.Payload{{Key: "count", Value: proto.Int(int64(len(batch) + len(expired)))}})
	if len(expired) > 0 {
		for _, c := range expired {
			s.log.Warn().Str("device_id", d.id).Str("action", c.Action).Msg("Dropping expired command")
			s.obs.CommandDropped(d.id, "expired")
		}
		s.publish("commands_expired", d.id, proto.Payload{{Key: "count", Value: proto.Int(int64(len(expired)))}})
	}

	sent := 0
	var failed error
	for i, cmd := range batch {
		if i > 0 && s.cfg.SendInterval > 0 {
			select {
			case <-s.clock.After(s.cfg.SendInterval):
			case <-s.ctx.Done():
			}
		}
		if s.ctx.Err() != nil {
			s.requeue(d, batch[i:])
			failed = ErrClosed
			break
		}

		cmd.Attempts++
		var err error
		if !d.inWindow(window) {
			err = ErrWindowClosed
		} else if err = s.send(s.ctx, cmd); err != nil && !d.inWindow(window) {
			err = errors.Join(ErrWindowClosed, err)
		}
		if err != nil {
			if s.ctx.Err() != nil {
				cmd.Attempts--
				s.requeue(d, batch[i:])
				failed = ErrClosed
				break
			}
			s.fail(d, cmd, batch[i+1:], err)
			failed = err
			break
		}
		sent++
		s.obs.CommandSent(d.id, cmd.Priority)
		s.publish("command_sent", d.id, proto.Payload{
			{Key: "action", Value: proto.String(cmd.Action)},
			{Key: "priority", Value: proto.String(cmd.Priority.String())},
		})
	}

	d.mu.Lock()
	d.flushing = false
	depth := d.queued()
	d.mu.Unlock()
	s.obs.QueueDepth(d.id, depth)

	details := proto.Payload{
		{Key: "count", Value: proto.Int(int64(sent))},
		{Key: "remaining", Value: proto.Int(int64(depth))},
	}
	if failed != nil {
		details = append(details, proto.Field{Key: "error", Value: proto.String(failed.Error())})
	}
	s.publish("batch_complete", d.id, details)
	s.log.Info().Str("device_id", d.id).Int("sent", sent).Int("remaining", depth).Msg("Batch complete")
}

// fail applies the retry policy to cmd and requeues the rest of the batch.
func (s *Scheduler) fail(d *device, cmd *Command, rest []*Command, err error) {
	retry := cmd.Attempts < s.cfg.MaxAttempts
	if retry {
		s.requeue(d, append([]*Command{cmd}, rest...))
	} else {
		s.requeue(d, rest)
	}

	if retry {
		s.log.Warn().Err(err).Str("device_id", d.id).Str("action", cmd.Action).
			Int("attempts", cmd.Attempts).Msg("Command send failed, will retry next window")
		s.obs.CommandRetried(d.id)
		s.publish("command_retry", d.id, proto.Payload{
			{Key: "action", Value: proto.String(cmd.Action)},
			{Key: "attempts", Value: proto.Int(int64(cmd.Attempts))},
			{Key: "error", Value: proto.String(err.Error())},
		})
		return
	}

	s.log.Error().Err(err).Str("device_id", d.id).Str("action", cmd.Action).
		Int("attempts", cmd.Attempts).Msg("Command dropped after retries")
	s.obs.CommandDropped(d.id, "retries_exhausted")
	s.publish("command_failed", d.id, proto.Payload{
		{Key: "action", Value: proto.String(cmd.Action)},
		{Key: "attempts", Value: proto.Int(int64(cmd.Attempts))},
		{Key: "error", Value: proto.String(errors.Join(ErrRetriesExhausted, err).Error())},
	})
}

func (s *Scheduler) requeue(d *device, cmds []*Command) {
	if len(cmds) == 0 {
		return
	}
	d.mu.Lock()
	d.prepend(cmds)
	d.mu.Unlock()
}

func (s *Scheduler) send(ctx context.Context, cmd *Command) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	msg := proto.NewCommand(cmd.DeviceID, cmd.Action, cmd.Payload, uint64(s.clock.Now().Unix()))
	return s.sender.Send(ctx, msg)
}

func (s *Scheduler) publish(name, deviceID string, details proto.Payload) {
	if s.pub == nil {
		return
	}
	p := make(proto.Payload, 0, len(details)+2)
	p = append(p,
		proto.Field{Key: "event", Value: proto.String(name)},
		proto.Field{Key: "device_id", Value: proto.String(deviceID)},
	)
	p = append(p, details...)
	s.pub.Publish(EventTopic, p, proto.SourceInfo{ID: "scheduler", Transport: proto.TransportInternal})
}

// PruneStale forgets the schedule of every device whose last telemetry is
// older than the staleness threshold, returning it to Unknown. Queued
// commands are kept. Device records with nothing left are removed.
func (s *Scheduler) PruneStale() []string {
	now := s.clock.Now()

	s.mu.Lock()
	devices := make([]*device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	s.mu.Unlock()

	var pruned []string
	for _, d := range devices {
		d.mu.Lock()
		if d.removed {
			d.mu.Unlock()
			continue
		}
		if d.sched != nil && now.Sub(d.sched.updated) > s.cfg.StaleAfter {
			d.sched = nil
			pruned = append(pruned, d.id)
		}
		if d.sched == nil && d.queued() == 0 && !d.flushing {
			d.removed = true
			s.mu.Lock()
			if s.devices[d.id] == d {
				delete(s.devices, d.id)
			}
			s.mu.Unlock()
		}
		d.mu.Unlock()
	}

	sort.Strings(pruned)
	for _, id := range pruned {
		s.log.Info().Str("device_id", id).Msg("Pruned stale schedule")
		s.publish("schedule_pruned", id, nil)
	}
	return pruned
}

// Close stops accepting work and waits for in-flight flushes. Commands a
// flush had not reached yet are put back in their lanes.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
