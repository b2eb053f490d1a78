package server

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/transport"
)

const (
	// DeviceEventTopic carries every device event for the activity log.
	DeviceEventTopic = "device_event"

	touchInterval = 30 * time.Second
	storeTimeout  = 2 * time.Second
)

func (m *Manager) handleFrame(f transport.Frame) {
	ep := f.Endpoint()
	if f.Closed {
		m.reasm.Discard(ep)
		m.closeSender(ep)
		m.log.Debug().Str("endpoint", ep).Msg("Connection closed")
		return
	}
	m.metrics.FrameReceived(f.Adapter, len(f.Data))

	msgs, err := m.reasm.Feed(ep, f.Data)
	if err != nil {
		m.log.Warn().Err(err).Str("endpoint", ep).Msg("Dropped partial message")
	}
	for _, raw := range msgs {
		m.handleMessage(f, raw)
	}
}

func (m *Manager) handleMessage(f transport.Frame, raw []byte) {
	msg, format, err := proto.DecodeFormat(raw)
	if err != nil {
		m.metrics.DecodeFailed(decodeReason(err))
		m.log.Warn().Err(err).Str("endpoint", f.Endpoint()).Int("bytes", len(raw)).Msg("Failed to decode message")
		return
	}
	m.metrics.MessageDecoded(msg.Kind)

	src := proto.SourceInfo{ID: msg.DeviceID, Transport: f.Kind, Address: f.Endpoint()}
	m.routes.Update(msg.DeviceID, src)
	m.touch(msg.DeviceID, src)

	m.log.Debug().Str("device_id", msg.DeviceID).Stringer("kind", msg.Kind).Stringer("format", format).Msg("Message received")

	switch msg.Kind {
	case proto.KindTelemetry:
		m.sched.ObserveTelemetry(msg.DeviceID, msg.Schedule)
		m.bus.Publish(msg.DeviceID, msg.Payload, src)
	case proto.KindEvent:
		m.bus.Publish(msg.DeviceID, msg.Payload, src)
		m.bus.PublishEvent(DeviceEventTopic, eventRecord(msg))
	case proto.KindResponse:
		if msg.InReplyTo != "" && !m.pending.Resolve(msg) {
			m.log.Debug().Str("device_id", msg.DeviceID).Str("in_reply_to", msg.InReplyTo).Msg("Response matched no pending request")
		}
		m.bus.Publish(msg.DeviceID, msg.Payload, src)
	case proto.KindCommand:
		// A device addressing another device goes through the outbound topics.
		m.bus.Publish(msg.DeviceID, msg.Payload, src)
	}
}

// touch persists the sighting at most once per touchInterval per device.
func (m *Manager) touch(id string, src proto.SourceInfo) {
	if m.store == nil {
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	last, seen := m.touched[id]
	if seen && now.Sub(last) < touchInterval {
		m.mu.Unlock()
		return
	}
	m.touched[id] = now
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	created, err := m.store.Touch(ctx, id, src, now)
	if err != nil {
		m.log.Error().Err(err).Str("device_id", id).Msg("Failed to record device")
		return
	}
	if created {
		m.log.Info().Str("device_id", id).Str("transport", string(src.Transport)).Msg("New device discovered")
		m.bus.PublishEvent("device_discovered", proto.Payload{
			{Key: "device_id", Value: proto.String(id)},
			{Key: "transport", Value: proto.String(string(src.Transport))},
			{Key: "address", Value: proto.String(src.Address)},
		})
	}
}

func eventRecord(msg proto.Message) proto.Payload {
	return proto.Payload{
		{Key: "device_id", Value: proto.String(msg.DeviceID)},
		{Key: "timestamp", Value: proto.Int(int64(msg.Timestamp))},
		{Key: "data", Value: proto.Map(msg.Payload)},
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, proto.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, proto.ErrUnknownMessageType):
		return "unknown_kind"
	case errors.Is(err, proto.ErrMalformedPayload):
		return "malformed"
	}
	return "other"
}
