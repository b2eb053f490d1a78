package services

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mbocsi/fieldhub/broker"
	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/server"
	"github.com/mbocsi/fieldhub/store"
)

// ActivityEvents are the application events persisted per device.
var ActivityEvents = []string{
	server.DeviceEventTopic,
	"device_discovered",
	"device_trusted",
	"device_registered",
	"device_registration_failed",
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, e store.Event) (int64, error)
}

// ActivityRecorder writes device application events to the store.
type ActivityRecorder struct {
	bus   *broker.Broker
	store EventRecorder
	log   zerolog.Logger
	clock clockwork.Clock
}

func NewActivityRecorder(bus *broker.Broker, st EventRecorder) *ActivityRecorder {
	return &ActivityRecorder{bus: bus, store: st, log: log.Logger, clock: clockwork.NewRealClock()}
}

func (r *ActivityRecorder) WithLogger(l zerolog.Logger) *ActivityRecorder {
	r.log = l
	return r
}

// WithClock sets the clock used to stamp events that arrive without a timestamp.
func (r *ActivityRecorder) WithClock(c clockwork.Clock) *ActivityRecorder {
	r.clock = c
	return r
}

// Subscribe registers the recorder's subscriptions. Call it before the
// manager starts so no early event is missed.
func (r *ActivityRecorder) Subscribe() []*broker.Subscription {
	subs := make([]*broker.Subscription, 0, len(ActivityEvents))
	for _, name := range ActivityEvents {
		subs = append(subs, r.bus.Subscribe(broker.AppEventPrefix+name))
	}
	return subs
}

// Run records events until ctx is done.
func (r *ActivityRecorder) Run(ctx context.Context, subs []*broker.Subscription) {
	done := make(chan struct{}, len(subs))
	for _, sub := range subs {
		go func() {
			defer func() { done <- struct{}{} }()
			defer r.bus.Unsubscribe(sub)
			name := sub.Topic()[len(broker.AppEventPrefix):]
			for msg := range sub.All(ctx) {
				r.record(ctx, name, msg)
			}
		}()
	}
	for range subs {
		<-done
	}
}

func (r *ActivityRecorder) record(ctx context.Context, name string, msg broker.Message) {
	id, _ := msg.Payload.GetString("device_id")
	if id == "" {
		r.log.Debug().Str("event", name).Msg("Skipping event without device_id")
		return
	}
	payload := msg.Payload
	if data, ok := msg.Payload.Get("data"); ok && name == server.DeviceEventTopic {
		if m, ok := data.AsMap(); ok {
			payload = m
		} else {
			payload = proto.Payload{{Key: "data", Value: data}}
		}
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = r.clock.Now()
	}
	if _, err := r.store.RecordEvent(ctx, store.Event{DeviceID: id, Name: name, Payload: payload, At: at}); err != nil {
		r.log.Error().Err(err).Str("device_id", id).Str("event", name).Msg("Failed to record event")
	}
}
