package server

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/broker"
	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/transport"
)

var (
	ErrMissingTarget  = errors.New("server: command names no target device")
	ErrMissingAction  = errors.New("server: command names no action")
	ErrNotWhitelisted = errors.New("server: topic not whitelisted for device")
)

// Keys with a meaning of their own; everything else is command data when
// "data" is absent.
var commandKeys = map[string]bool{
	"device_id": true,
	"target":    true,
	"action":    true,
	"priority":  true,
	"max_age":   true,
	"data":      true,
}

// ParseCommand extracts a scheduler command from a bus payload.
func ParseCommand(p proto.Payload) (scheduler.Command, error) {
	var cmd scheduler.Command
	target, _ := p.GetString("device_id")
	if target == "" {
		target, _ = p.GetString("target")
	}
	if target == "" {
		return cmd, ErrMissingTarget
	}
	action, _ := p.GetString("action")
	if action == "" {
		return cmd, ErrMissingAction
	}

	priority := scheduler.Normal
	if s, ok := p.GetString("priority"); ok && s != "" {
		pr, err := scheduler.ParsePriority(s)
		if err != nil {
			return cmd, err
		}
		priority = pr
	}

	data := proto.Null()
	if v, ok := p.Get("data"); ok {
		data = v
	} else {
		var rest proto.Payload
		for _, f := range p {
			if !commandKeys[f.Key] {
				rest = append(rest, f)
			}
		}
		if len(rest) > 0 {
			data = proto.Map(rest)
		}
	}

	var maxAge time.Duration
	if secs, ok := p.GetFloat("max_age"); ok && secs > 0 {
		maxAge = time.Duration(secs * float64(time.Second))
	}

	return scheduler.Command{
		DeviceID: target,
		Action:   action,
		Payload:  data,
		Priority: priority,
		MaxAge:   maxAge,
	}, nil
}

func (m *Manager) consumeCommands(ctx context.Context, sub *broker.Subscription) {
	m.log.Info().Str("topic", sub.Topic()).Msg("Listening for commands")
	for msg := range sub.All(ctx) {
		m.dispatchCommand(ctx, msg)
	}
}

func (m *Manager) dispatchCommand(ctx context.Context, msg broker.Message) {
	cmd, err := ParseCommand(msg.Payload)
	if err != nil {
		m.metrics.CommandRejected("invalid")
		m.log.Warn().Err(err).Str("topic", msg.Topic).Msg("Rejected command")
		return
	}
	if m.whitelist != nil && !m.whitelist.Allowed(cmd.DeviceID, msg.Topic) {
		m.metrics.CommandRejected("whitelist")
		m.log.Warn().Err(ErrNotWhitelisted).Str("topic", msg.Topic).Str("device_id", cmd.DeviceID).
			Str("action", cmd.Action).Msg("Rejected command")
		return
	}

	if cmd.Priority == scheduler.Critical {
		m.dispatchCritical(ctx, cmd)
		return
	}
	if err := m.sched.Enqueue(ctx, cmd); err != nil {
		m.log.Error().Err(err).Str("device_id", cmd.DeviceID).Str("action", cmd.Action).Msg("Failed to enqueue command")
	}
}

// dispatchCritical hands cmd to the device's critical worker. Critical sends
// block on the device, so they leave the subscription loop, but one device's
// critical commands still go out in publication order.
func (m *Manager) dispatchCritical(ctx context.Context, cmd scheduler.Command) {
	m.mu.Lock()
	ch, ok := m.critical[cmd.DeviceID]
	if !ok {
		ch = make(chan scheduler.Command, m.cfg.SendQueue)
		m.critical[cmd.DeviceID] = ch
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.criticalWorker(ctx, ch)
		}()
	}
	m.mu.Unlock()

	select {
	case ch <- cmd:
	default:
		m.metrics.CommandRejected("critical_backlog")
		m.log.Warn().Str("device_id", cmd.DeviceID).Str("action", cmd.Action).
			Msg("Rejected critical command, device backlog full")
	}
}

func (m *Manager) criticalWorker(ctx context.Context, ch <-chan scheduler.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-ch:
			if err := m.sched.Enqueue(ctx, cmd); err != nil {
				m.log.Error().Err(err).Str("device_id", cmd.DeviceID).Str("action", cmd.Action).Msg("Critical command failed")
			}
		}
	}
}

// Send encodes msg compactly and hands it to the sender of the device's last
// known connection. It satisfies scheduler.Sender.
func (m *Manager) Send(ctx context.Context, msg proto.Message) error {
	src, err := m.routes.Lookup(msg.DeviceID)
	if err != nil {
		return err
	}
	data, err := proto.EncodeCompact(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return m.sendTo(ctx, src.Address, data)
}

func (m *Manager) sendTo(ctx context.Context, endpoint string, data []byte) error {
	name, addr, ok := transport.SplitEndpoint(endpoint)
	if !ok {
		return errors.Wrapf(transport.ErrUnknownAddress, "bad endpoint %q", endpoint)
	}
	s, err := m.sender(endpoint, name, addr)
	if err != nil {
		return err
	}
	return s.send(ctx, data)
}

func (m *Manager) sender(endpoint, name, addr string) (*connSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.senders[endpoint]; ok {
		return s, nil
	}
	if !m.running {
		return nil, transport.ErrClosed
	}
	a, ok := m.adapters[name]
	if !ok {
		return nil, errors.Wrapf(transport.ErrUnknownAddress, "no adapter %q", name)
	}
	s := newConnSender(a, addr, m.cfg.SendQueue)
	m.senders[endpoint] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	return s, nil
}

func (m *Manager) closeSender(endpoint string) {
	m.mu.Lock()
	s, ok := m.senders[endpoint]
	delete(m.senders, endpoint)
	m.mu.Unlock()
	if ok {
		s.close()
	}
}
