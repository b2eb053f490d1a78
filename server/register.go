package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
)

var (
	ErrTimeout                = errors.New("server: request timed out")
	ErrRegistrationInProgress = errors.New("server: registration already in progress")
)

// Request sends msg right away, bypassing the scheduler, and waits for the
// response that names msg.ReplyTo. A reply id is generated when missing.
func (m *Manager) Request(ctx context.Context, msg proto.Message) (proto.Message, error) {
	if msg.ReplyTo == "" {
		msg.ReplyTo = uuid.NewString()
	}
	replies, cancel := m.pending.Expect(msg.ReplyTo)
	defer cancel()

	if err := m.Send(ctx, msg); err != nil {
		return proto.Message{}, err
	}
	select {
	case resp := <-replies:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return proto.Message{}, ErrTimeout
		}
		return proto.Message{}, ctx.Err()
	}
}

// Register runs the capabilities handshake with a device. It is bounded by
// the registration timeout and never retried; on failure the device stays
// unregistered.
func (m *Manager) Register(ctx context.Context, id string) (proto.Capabilities, error) {
	m.mu.Lock()
	if _, busy := m.registering[id]; busy {
		m.mu.Unlock()
		return proto.Capabilities{}, ErrRegistrationInProgress
	}
	m.registering[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.registering, id)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RegistrationTimeout)
	defer cancel()

	m.log.Info().Str("device_id", id).Msg("Requesting device capabilities")
	req := proto.NewRegistrationRequest(id, uuid.NewString(), uint64(m.clock.Now().Unix()))
	resp, err := m.Request(ctx, req)
	if err == nil {
		var caps proto.Capabilities
		caps, err = proto.ParseCapabilities(resp.Payload)
		if err == nil {
			return caps, m.registered(ctx, id, caps)
		}
	}

	m.log.Warn().Err(err).Str("device_id", id).Msg("Device registration failed")
	m.bus.PublishEvent("device_registration_failed", proto.Payload{
		{Key: "device_id", Value: proto.String(id)},
		{Key: "reason", Value: proto.String(err.Error())},
	})
	return proto.Capabilities{}, errors.Wrapf(err, "register %s", id)
}

func (m *Manager) registered(ctx context.Context, id string, caps proto.Capabilities) error {
	if caps.DeviceID == "" {
		caps.DeviceID = id
	}
	if m.store != nil {
		if err := m.store.SaveCapabilities(ctx, caps, m.clock.Now()); err != nil {
			return errors.Wrapf(err, "save capabilities of %s", id)
		}
	}
	m.log.Info().Str("device_id", id).Str("device_type", caps.DeviceType).
		Str("firmware", caps.FirmwareVersion).Msg("Device registered")
	m.bus.PublishEvent("device_registered", proto.Payload{
		{Key: "device_id", Value: proto.String(id)},
		{Key: "device_type", Value: proto.String(caps.DeviceType)},
		{Key: "firmware_version", Value: proto.String(caps.FirmwareVersion)},
	})
	return nil
}

// Trust marks a device trusted and registers it.
func (m *Manager) Trust(ctx context.Context, id string) (proto.Capabilities, error) {
	if m.store != nil {
		if err := m.store.SetTrusted(ctx, id, true); err != nil {
			return proto.Capabilities{}, errors.Wrapf(err, "trust %s", id)
		}
	}
	m.bus.PublishEvent("device_trusted", proto.Payload{{Key: "device_id", Value: proto.String(id)}})
	return m.Register(ctx, id)
}
