// Package client simulates a field device: it reports telemetry with an
// embedded schedule, alternating Data periods with short Cmd windows, and
// answers commands and registration requests from the hub.
package client

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/fieldhub/proto"
)

type Config struct {
	Capabilities proto.Capabilities
	Interval     time.Duration // between telemetry reports
	DataPeriod   time.Duration
	CmdWindow    time.Duration
}

func DefaultConfig(id string) Config {
	return Config{
		Capabilities: proto.Capabilities{
			DeviceID:        id,
			DeviceType:      "soil_sensor",
			FirmwareVersion: "1.0.0",
			Sensors: []proto.Sensor{
				{Name: "a", Unit: "celsius"},
				{Name: "b", Unit: "percent"},
			},
			Actuators: []proto.Actuator{{Name: "valve", Type: "switch"}},
			Commands:  []string{"set_interval", "ping"},
		},
		Interval:   5 * time.Second,
		DataPeriod: 60 * time.Second,
		CmdWindow:  proto.DefaultWindowSeconds * time.Second,
	}
}

// Sampler produces a telemetry payload.
type Sampler func(now time.Time) proto.Payload

// CommandHandler runs a received command and returns its result payload.
type CommandHandler func(msg proto.Message) (proto.Payload, error)

type Option func(*Device)

func WithClock(c clockwork.Clock) Option         { return func(d *Device) { d.clock = c } }
func WithLogger(l zerolog.Logger) Option         { return func(d *Device) { d.log = l } }
func WithSampler(s Sampler) Option               { return func(d *Device) { d.sample = s } }
func WithCommandHandler(h CommandHandler) Option { return func(d *Device) { d.handle = h } }

type Device struct {
	cfg       Config
	transport Transport
	clock     clockwork.Clock
	log       zerolog.Logger
	sample    Sampler
	handle    CommandHandler

	smu sync.Mutex // serializes writes

	mu       sync.Mutex
	started  time.Time
	received []proto.Message
	missed   int
}

func New(cfg Config, t Transport, opts ...Option) *Device {
	def := DefaultConfig(cfg.Capabilities.DeviceID)
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DataPeriod <= 0 {
		cfg.DataPeriod = def.DataPeriod
	}
	if cfg.CmdWindow <= 0 {
		cfg.CmdWindow = def.CmdWindow
	}
	d := &Device{
		cfg:       cfg,
		transport: t,
		clock:     clockwork.NewRealClock(),
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sample == nil {
		d.sample = d.defaultSample
	}
	if d.handle == nil {
		d.handle = func(proto.Message) (proto.Payload, error) {
			return proto.Payload{{Key: "status", Value: proto.String("ok")}}, nil
		}
	}
	d.log = d.log.With().Str("device_id", d.ID()).Logger()
	return d
}

func (d *Device) ID() string { return d.cfg.Capabilities.DeviceID }

// Run reports telemetry and serves commands until ctx is done or the
// connection fails. The transport must already be connected; Run closes it.
func (d *Device) Run(ctx context.Context) error {
	d.mu.Lock()
	d.started = d.clock.Now()
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.readLoop() })
	g.Go(func() error { return d.reportLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return d.transport.Close()
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Received returns the commands handled so far, registration excluded.
func (d *Device) Received() []proto.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]proto.Message(nil), d.received...)
}

// Missed counts commands that arrived outside a Cmd window.
func (d *Device) Missed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missed
}

// schedule reports where the device is in its cycle at now and how long
// until the phase changes.
func (d *Device) schedule(now time.Time) (proto.Schedule, time.Duration) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	cycle := d.cfg.DataPeriod + d.cfg.CmdWindow
	pos := now.Sub(started) % cycle
	dur := uint32(d.cfg.CmdWindow / time.Second)
	if pos < d.cfg.DataPeriod {
		left := d.cfg.DataPeriod - pos
		return proto.Schedule{
			Mode:   proto.ModeData,
			CmdIn:  uint32(math.Ceil(left.Seconds())),
			CmdDur: dur,
		}, left
	}
	return proto.Schedule{Mode: proto.ModeCmd, CmdDur: dur}, cycle - pos
}

func (d *Device) reportLoop(ctx context.Context) error {
	var prev proto.ScheduleMode
	for {
		now := d.clock.Now()
		sched, untilChange := d.schedule(now)
		if sched.Mode != prev {
			d.log.Info().Str("mode", string(sched.Mode)).Uint32("cmd_in", sched.CmdIn).Msg("Schedule phase")
			prev = sched.Mode
		}
		if err := d.sendTelemetry(now, sched); err != nil {
			return err
		}

		wait := min(d.cfg.Interval, untilChange)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(wait):
		}
	}
}

func (d *Device) sendTelemetry(now time.Time, sched proto.Schedule) error {
	msg := proto.Message{
		Protocol:  proto.Version,
		Kind:      proto.KindTelemetry,
		DeviceID:  d.ID(),
		Timestamp: uint64(now.Unix()),
		Schedule:  &sched,
		Payload:   d.sample(now),
	}
	return d.send(msg)
}

func (d *Device) send(msg proto.Message) error {
	data, err := proto.EncodeCompact(msg)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	d.smu.Lock()
	defer d.smu.Unlock()
	return d.transport.Send(data)
}

func (d *Device) readLoop() error {
	for {
		data, err := d.transport.Read()
		if err != nil {
			return errors.Wrap(err, "read from hub")
		}
		msg, err := proto.Decode(data)
		if err != nil {
			d.log.Warn().Err(err).Msg("Ignoring undecodable message")
			continue
		}
		if msg.Kind != proto.KindCommand {
			d.log.Debug().Stringer("kind", msg.Kind).Msg("Ignoring non-command message")
			continue
		}
		if err := d.handleCommand(msg); err != nil {
			return err
		}
	}
}

func (d *Device) handleCommand(msg proto.Message) error {
	now := d.clock.Now()
	if msg.Action() == proto.ActionRegister {
		d.log.Info().Msg("Registration requested")
		caps, err := d.cfg.Capabilities.Payload()
		if err != nil {
			return errors.Wrap(err, "capabilities payload")
		}
		return d.reply(msg, now, caps)
	}

	sched, _ := d.schedule(now)
	d.mu.Lock()
	d.received = append(d.received, msg)
	if sched.Mode != proto.ModeCmd {
		d.missed++
	}
	d.mu.Unlock()
	if sched.Mode != proto.ModeCmd {
		d.log.Warn().Str("action", msg.Action()).Msg("Command arrived outside the command window")
	} else {
		d.log.Info().Str("action", msg.Action()).Msg("Command received")
	}

	result, err := d.handle(msg)
	if err != nil {
		result = proto.Payload{
			{Key: "status", Value: proto.String("error")},
			{Key: "error", Value: proto.String(err.Error())},
		}
	}
	if msg.ReplyTo == "" {
		return nil
	}
	return d.reply(msg, now, result)
}

func (d *Device) reply(req proto.Message, now time.Time, payload proto.Payload) error {
	return d.send(proto.Message{
		Protocol:  proto.Version,
		Kind:      proto.KindResponse,
		DeviceID:  d.ID(),
		Timestamp: uint64(now.Unix()),
		Payload:   payload,
		InReplyTo: req.ReplyTo,
	})
}

// defaultSample reports a slow temperature and moisture wave.
func (d *Device) defaultSample(now time.Time) proto.Payload {
	t := float64(now.Unix()%3600) / 3600 * 2 * math.Pi
	return proto.Payload{
		{Key: "a", Value: proto.Number(math.Round((18+4*math.Sin(t))*10) / 10)},
		{Key: "b", Value: proto.Number(math.Round((40+10*math.Cos(t))*10) / 10)},
	}
}
