package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/fieldhub/broker"
	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/transport"
)

// memAdapter is an in-memory link. Frames are pushed by the test and sends
// are recorded on a channel.
type memAdapter struct {
	name    string
	started chan struct{}
	sent    chan sentFrame

	mu      sync.Mutex
	inbound chan<- transport.Frame
}

type sentFrame struct {
	address string
	data    []byte
}

func newMemAdapter(name string) *memAdapter {
	return &memAdapter{name: name, started: make(chan struct{}), sent: make(chan sentFrame, 32)}
}

func (a *memAdapter) Name() string              { return a.name }
func (a *memAdapter) Kind() proto.TransportKind { return proto.TransportSerial }

func (a *memAdapter) Start(ctx context.Context, inbound chan<- transport.Frame) error {
	a.mu.Lock()
	a.inbound = inbound
	a.mu.Unlock()
	close(a.started)
	<-ctx.Done()
	return nil
}

func (a *memAdapter) Send(_ context.Context, address string, data []byte) error {
	a.sent <- sentFrame{address: address, data: append([]byte(nil), data...)}
	return nil
}

func (a *memAdapter) Info() transport.Info {
	return transport.Info{Name: a.name, Protocol: "mem", Kind: a.Kind(), Connected: true}
}

func (a *memAdapter) push(address, data string) {
	a.mu.Lock()
	in := a.inbound
	a.mu.Unlock()
	in <- transport.Frame{Adapter: a.name, Address: address, Kind: a.Kind(), Data: []byte(data)}
}

func (a *memAdapter) hangup(address string) {
	a.mu.Lock()
	in := a.inbound
	a.mu.Unlock()
	in <- transport.Frame{Adapter: a.name, Address: address, Kind: a.Kind(), Closed: true}
}

func (a *memAdapter) nextSent(t *testing.T) (string, proto.Message) {
	t.Helper()
	select {
	case f := <-a.sent:
		msg, err := proto.Decode(f.data)
		require.NoError(t, err)
		return f.address, msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return "", proto.Message{}
	}
}

func (a *memAdapter) assertNothingSent(t *testing.T) {
	t.Helper()
	select {
	case f := <-a.sent:
		t.Fatalf("unexpected send to %s: %s", f.address, f.data)
	case <-time.After(50 * time.Millisecond):
	}
}

type countingMetrics struct {
	frames, decoded, decodeFailed, discarded, rejected atomic.Int32
}

func (c *countingMetrics) FrameReceived(string, int)  { c.frames.Add(1) }
func (c *countingMetrics) MessageDecoded(proto.Kind)  { c.decoded.Add(1) }
func (c *countingMetrics) DecodeFailed(string)        { c.decodeFailed.Add(1) }
func (c *countingMetrics) ReassemblyDiscarded(string) { c.discarded.Add(1) }
func (c *countingMetrics) CommandRejected(string)     { c.rejected.Add(1) }

type memStore struct {
	mu      sync.Mutex
	seen    map[string]proto.SourceInfo
	trusted map[string]bool
	caps    map[string]proto.Capabilities
}

func newMemStore() *memStore {
	return &memStore{
		seen:    make(map[string]proto.SourceInfo),
		trusted: make(map[string]bool),
		caps:    make(map[string]proto.Capabilities),
	}
}

func (s *memStore) Touch(_ context.Context, id string, src proto.SourceInfo, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.seen[id]
	s.seen[id] = src
	return !known, nil
}

func (s *memStore) SetTrusted(_ context.Context, id string, trusted bool) error {
	s.mu.Lock()
	s.trusted[id] = trusted
	s.mu.Unlock()
	return nil
}

func (s *memStore) SaveCapabilities(_ context.Context, caps proto.Capabilities, _ time.Time) error {
	s.mu.Lock()
	s.caps[caps.DeviceID] = caps
	s.mu.Unlock()
	return nil
}

type whitelistFunc func(deviceID, topic string) bool

func (f whitelistFunc) Allowed(deviceID, topic string) bool { return f(deviceID, topic) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RegistrationTimeout = 200 * time.Millisecond
	cfg.Scheduler.SendInterval = 0
	return cfg
}

// startManager runs m until the test ends.
func startManager(t *testing.T, m *Manager, adapters ...*memAdapter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	for _, a := range adapters {
		select {
		case <-a.started:
		case <-time.After(2 * time.Second):
			t.Fatal("adapter did not start")
		}
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *memAdapter) {
	t.Helper()
	a := newMemAdapter("mem")
	opts = append([]Option{WithLogger(zerolog.Nop()), WithAdapters(a)}, opts...)
	m := New(cfg, opts...)
	startManager(t, m, a)
	return m, a
}

func next(t *testing.T, sub *broker.Subscription) broker.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err, "waiting on %s", sub.Topic())
	return msg
}

const telemetryA01 = `{"p":"ssp/1.0","t":"tel","i":"a01","s":100,"d":{"a":72,"b":45,"c":1}}`

func TestTelemetryPublishedOnDeviceTopic(t *testing.T) {
	store := newMemStore()
	m, a := newTestManager(t, testConfig(), WithStore(store))
	sub := m.Bus().Subscribe("a01")

	a.push("/dev/ttyUSB0", telemetryA01)

	msg := next(t, sub)
	assert.Equal(t, []string{"a", "b", "c"}, msg.Payload.Keys())
	for key, want := range map[string]float64{"a": 72, "b": 45, "c": 1} {
		got, ok := msg.Payload.GetFloat(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	assert.Equal(t, "a01", msg.Source.ID)

	src, err := m.Routes().Lookup("a01")
	require.NoError(t, err)
	assert.Equal(t, "mem:///dev/ttyUSB0", src.Address)
	assert.Equal(t, proto.TransportSerial, src.Transport)

	store.mu.Lock()
	assert.Contains(t, store.seen, "a01")
	store.mu.Unlock()
}

func TestFragmentedFramesReassemble(t *testing.T) {
	m, a := newTestManager(t, testConfig())
	sub := m.Bus().Subscribe("a01")

	for i := 0; i < len(telemetryA01); i += 20 {
		a.push("port", telemetryA01[i:min(i+20, len(telemetryA01))])
	}

	msg := next(t, sub)
	v, _ := msg.Payload.GetFloat("a")
	assert.Equal(t, 72.0, v)
}

func TestDecodeFailureDoesNotHalt(t *testing.T) {
	metrics := &countingMetrics{}
	m, a := newTestManager(t, testConfig(), WithMetrics(metrics))
	sub := m.Bus().Subscribe("a01")

	a.push("port", `{"p":"ssp/9.9","t":"tel","i":"a01","d":{}}`)
	a.push("port", `{"p":"ssp/1.0","t":"bogus","i":"a01","d":{}}`)
	a.push("port", telemetryA01)

	next(t, sub)
	assert.Equal(t, int32(2), metrics.decodeFailed.Load())
	assert.Equal(t, int32(1), metrics.decoded.Load())
}

func TestClosedConnectionDiscardsPartialMessage(t *testing.T) {
	m, a := newTestManager(t, testConfig())
	sub := m.Bus().Subscribe("a01")

	a.push("port", `{"p":"ssp/1.0","t":"tel"`)
	a.hangup("port")
	a.push("port", telemetryA01)

	msg := next(t, sub)
	assert.True(t, msg.Payload.Has("c"))
}

func TestEventRecordedOnActivityTopic(t *testing.T) {
	m, a := newTestManager(t, testConfig())
	events := m.Bus().Subscribe(broker.AppEventPrefix + DeviceEventTopic)

	a.push("port", `{"p":"ssp/1.0","t":"evt","i":"a01","s":5,"d":{"door":"open"}}`)

	msg := next(t, events)
	id, _ := msg.Payload.GetString("device_id")
	assert.Equal(t, "a01", id)
	data, ok := msg.Payload.Get("data")
	require.True(t, ok)
	inner, ok := data.AsMap()
	require.True(t, ok)
	door, _ := inner.GetString("door")
	assert.Equal(t, "open", door)
}

func TestQueuedCommandSentInCmdWindow(t *testing.T) {
	m, a := newTestManager(t, testConfig())

	a.push("port", `{"p":"ssp/1.0","t":"tel","i":"a01","s":1,"m":{"mode":"data","cmd_in":30,"cmd_dur":10},"d":{"a":1}}`)
	require.Eventually(t, func() bool { return m.Routes().Len() == 1 }, time.Second, 5*time.Millisecond)

	m.Bus().Publish("com_input", proto.Payload{
		{Key: "device_id", Value: proto.String("a01")},
		{Key: "action", Value: proto.String("valve")},
		{Key: "data", Value: proto.String("open")},
	}, proto.SourceInfo{ID: "test"})
	require.Eventually(t, func() bool {
		st, ok := m.Scheduler().Status("a01")
		return ok && st.Queued == 1
	}, time.Second, 5*time.Millisecond)
	a.assertNothingSent(t)

	a.push("port", `{"p":"ssp/1.0","t":"tel","i":"a01","s":31,"m":{"mode":"cmd","cmd_in":0,"cmd_dur":10},"d":{"a":1}}`)

	addr, msg := a.nextSent(t)
	assert.Equal(t, "port", addr)
	assert.Equal(t, proto.KindCommand, msg.Kind)
	assert.Equal(t, "a01", msg.DeviceID)
	assert.Equal(t, "valve", msg.Action())
	data, _ := msg.Payload.GetString("data")
	assert.Equal(t, "open", data)
}

func TestCriticalCommandSentImmediately(t *testing.T) {
	m, a := newTestManager(t, testConfig())
	a.push("port", `{"p":"ssp/1.0","t":"tel","i":"a01","s":1,"m":{"mode":"data","cmd_in":300,"cmd_dur":10},"d":{}}`)
	require.Eventually(t, func() bool { return m.Routes().Len() == 1 }, time.Second, 5*time.Millisecond)

	m.Bus().Publish("control", proto.Payload{
		{Key: "target", Value: proto.String("a01")},
		{Key: "action", Value: proto.String("shutdown")},
		{Key: "priority", Value: proto.String("critical")},
	}, proto.SourceInfo{ID: "test"})

	_, msg := a.nextSent(t)
	assert.Equal(t, "shutdown", msg.Action())
}

func TestCriticalCommandsKeepPublicationOrder(t *testing.T) {
	m, a := newTestManager(t, testConfig())
	a.push("port", `{"p":"ssp/1.0","t":"tel","i":"a01","s":1,"m":{"mode":"data","cmd_in":300,"cmd_dur":10},"d":{}}`)
	require.Eventually(t, func() bool { return m.Routes().Len() == 1 }, time.Second, 5*time.Millisecond)

	const n = 30
	want := make([]string, n)
	for i := range n {
		want[i] = fmt.Sprintf("c%02d", i)
		m.Bus().Publish("control", proto.Payload{
			{Key: "device_id", Value: proto.String("a01")},
			{Key: "action", Value: proto.String(want[i])},
			{Key: "priority", Value: proto.String("critical")},
		}, proto.SourceInfo{ID: "test"})
	}

	got := make([]string, 0, n)
	for range n {
		_, msg := a.nextSent(t)
		got = append(got, msg.Action())
	}
	assert.Equal(t, want, got)
}

func TestWhitelistRejectsCommand(t *testing.T) {
	metrics := &countingMetrics{}
	wl := whitelistFunc(func(id, topic string) bool { return topic == "control" })
	m, a := newTestManager(t, testConfig(), WithWhitelist(wl), WithMetrics(metrics))
	a.push("port", telemetryA01)
	require.Eventually(t, func() bool { return m.Routes().Len() == 1 }, time.Second, 5*time.Millisecond)

	m.Bus().Publish("com_input", proto.Payload{
		{Key: "device_id", Value: proto.String("a01")},
		{Key: "action", Value: proto.String("valve")},
		{Key: "priority", Value: proto.String("critical")},
	}, proto.SourceInfo{ID: "test"})

	require.Eventually(t, func() bool { return metrics.rejected.Load() == 1 }, time.Second, 5*time.Millisecond)
	a.assertNothingSent(t)
	_, ok := m.Scheduler().Status("a01")
	assert.False(t, ok)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand(proto.Payload{
		{Key: "target", Value: proto.String("b02")},
		{Key: "action", Value: proto.String("set")},
		{Key: "level", Value: proto.Int(3)},
		{Key: "priority", Value: proto.String("HIGH")},
		{Key: "max_age", Value: proto.Int(90)},
	})
	require.NoError(t, err)
	assert.Equal(t, "b02", cmd.DeviceID)
	assert.Equal(t, "set", cmd.Action)
	assert.Equal(t, scheduler.High, cmd.Priority)
	assert.Equal(t, 90*time.Second, cmd.MaxAge)
	rest, ok := cmd.Payload.AsMap()
	require.True(t, ok, "remaining fields become the command data")
	assert.Equal(t, []string{"level"}, rest.Keys())

	cmd, err = ParseCommand(proto.Payload{
		{Key: "device_id", Value: proto.String("a01")},
		{Key: "target", Value: proto.String("ignored")},
		{Key: "action", Value: proto.String("ping")},
	})
	require.NoError(t, err)
	assert.Equal(t, "a01", cmd.DeviceID)
	assert.Equal(t, scheduler.Normal, cmd.Priority)
	assert.True(t, cmd.Payload.IsNull())

	_, err = ParseCommand(proto.Payload{{Key: "action", Value: proto.String("ping")}})
	assert.ErrorIs(t, err, ErrMissingTarget)
	_, err = ParseCommand(proto.Payload{{Key: "device_id", Value: proto.String("a01")}})
	assert.ErrorIs(t, err, ErrMissingAction)
	_, err = ParseCommand(proto.Payload{
		{Key: "device_id", Value: proto.String("a01")},
		{Key: "action", Value: proto.String("ping")},
		{Key: "priority", Value: proto.String("urgent")},
	})
	assert.Error(t, err)
}

func TestRegisterStoresCapabilities(t *testing.T) {
	store := newMemStore()
	m, a := newTestManager(t, testConfig(), WithStore(store))
	events := m.Bus().Subscribe(broker.AppEventPrefix + "device_registered")
	a.push("port", telemetryA01)
	require.Eventually(t, func() bool { return m.Routes().Len() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		caps proto.Capabilities
		err  error
	}
	done := make(chan result, 1)
	go func() {
		caps, err := m.Trust(context.Background(), "a01")
		done <- result{caps, err}
	}()

	_, req := a.nextSent(t)
	assert.Equal(t, proto.ActionRegister, req.Action())
	require.NotEmpty(t, req.ReplyTo)

	a.push("port", `{"p":"ssp/1.0","t":"res","i":"a01","c":"`+req.ReplyTo+`","d":{"device_type":"soil","firmware_version":"1.4.2","sensors":["a","b","c"],"actuators":["valve"]}}`)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registration did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, "soil", res.caps.DeviceType)
	assert.Equal(t, []string{"a", "b", "c"}, res.caps.SensorKeys())

	store.mu.Lock()
	assert.True(t, store.trusted["a01"])
	assert.Equal(t, "1.4.2", store.caps["a01"].FirmwareVersion)
	store.mu.Unlock()

	ev := next(t, events)
	typ, _ := ev.Payload.GetString("device_type")
	assert.Equal(t, "soil", typ)
	assert.Zero(t, m.pending.Len())
}

func TestRegisterTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.RegistrationTimeout = 50 * time.Millisecond
	m, a := newTestManager(t, cfg)
	failed := m.Bus().Subscribe(broker.AppEventPrefix + "device_registration_failed")
	a.push("port", telemetryA01)
	require.Eventually(t, func() bool { return m.Routes().Len() == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.Register(context.Background(), "a01")
	assert.ErrorIs(t, err, ErrTimeout)
	a.nextSent(t)

	ev := next(t, failed)
	id, _ := ev.Payload.GetString("device_id")
	assert.Equal(t, "a01", id)
	assert.Zero(t, m.pending.Len())
}

func TestRegisterUnroutable(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.Register(context.Background(), "ghost")
	assert.ErrorIs(t, err, routing.ErrDeviceUnroutable)
}

func TestAddAdapterRejectsDuplicates(t *testing.T) {
	m := New(testConfig(), WithLogger(zerolog.Nop()))
	defer m.Scheduler().Close()
	require.NoError(t, m.AddAdapter(newMemAdapter("x")))
	assert.ErrorIs(t, m.AddAdapter(newMemAdapter("x")), ErrDuplicateAdapter)
	require.NoError(t, m.AddAdapter(newMemAdapter("a")))

	infos := m.Adapters()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
}

func TestSendWithoutRunFails(t *testing.T) {
	a := newMemAdapter("mem")
	m := New(testConfig(), WithLogger(zerolog.Nop()), WithAdapters(a))
	defer m.Scheduler().Close()
	m.Routes().Update("a01", proto.SourceInfo{ID: "a01", Address: "mem://port"})
	err := m.Send(context.Background(), proto.NewCommand("a01", "ping", proto.Null(), 1))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestShardIsStable(t *testing.T) {
	for _, key := range []string{"tcp://1.2.3.4:5", "serial:///dev/ttyUSB0", ""} {
		assert.Equal(t, shard(key, 4), shard(key, 4))
		assert.Less(t, shard(key, 4), 4)
	}
}
