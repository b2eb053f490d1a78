package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/fieldhub/proto"
)

type pipeTransport struct {
	inbox  chan []byte
	sent   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		inbox:  make(chan []byte, 16),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Connect(context.Context, string) error { return nil }

func (p *pipeTransport) Send(data []byte) error {
	select {
	case p.sent <- append([]byte(nil), data...):
		return nil
	case <-p.closed:
		return errors.New("closed")
	}
}

func (p *pipeTransport) Read() ([]byte, error) {
	select {
	case data := <-p.inbox:
		return data, nil
	case <-p.closed:
		return nil, errors.New("closed")
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) push(t *testing.T, msg proto.Message) {
	t.Helper()
	data, err := proto.EncodeCompact(msg)
	require.NoError(t, err)
	p.inbox <- data
}

func (p *pipeTransport) next(t *testing.T) proto.Message {
	t.Helper()
	select {
	case data := <-p.sent:
		msg, err := proto.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("device sent nothing")
		return proto.Message{}
	}
}

func startDevice(t *testing.T, clock clockwork.Clock, opts ...Option) (*Device, *pipeTransport, context.Context) {
	t.Helper()
	cfg := DefaultConfig("a01")
	cfg.Interval = 5 * time.Second
	cfg.DataPeriod = 20 * time.Second
	cfg.CmdWindow = 10 * time.Second

	pipe := newPipe()
	d := New(cfg, pipe, append([]Option{WithClock(clock), WithLogger(zerolog.Nop())}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("device did not stop")
		}
	})
	return d, pipe, ctx
}

func TestTelemetryFollowsCycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, pipe, ctx := startDevice(t, clock)

	first := pipe.next(t)
	assert.Equal(t, proto.KindTelemetry, first.Kind)
	assert.Equal(t, "a01", first.DeviceID)
	require.NotNil(t, first.Schedule)
	assert.Equal(t, proto.Schedule{Mode: proto.ModeData, CmdIn: 20, CmdDur: 10}, *first.Schedule)
	assert.True(t, first.Payload.Has("a"))

	for _, want := range []uint32{15, 10, 5} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(5 * time.Second)
		msg := pipe.next(t)
		assert.Equal(t, proto.ModeData, msg.Schedule.Mode)
		assert.Equal(t, want, msg.Schedule.CmdIn)
	}

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)
	msg := pipe.next(t)
	assert.Equal(t, proto.ModeCmd, msg.Schedule.Mode)
	assert.Equal(t, uint32(10), msg.Schedule.CmdDur)

	// The window closes after 10s: back to Data with a full period ahead.
	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(5 * time.Second)
		msg = pipe.next(t)
	}
	assert.Equal(t, proto.ModeData, msg.Schedule.Mode)
	assert.Equal(t, uint32(20), msg.Schedule.CmdIn)
}

func TestRegistrationResponse(t *testing.T) {
	_, pipe, _ := startDevice(t, clockwork.NewFakeClock())
	pipe.next(t)

	pipe.push(t, proto.NewRegistrationRequest("a01", "reg-1", 1700000000))
	resp := pipe.next(t)
	assert.Equal(t, proto.KindResponse, resp.Kind)
	assert.Equal(t, "reg-1", resp.InReplyTo)

	caps, err := proto.ParseCapabilities(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, "soil_sensor", caps.DeviceType)
	assert.Equal(t, []string{"a", "b"}, caps.SensorKeys())
	assert.Equal(t, []string{"valve", "set_interval", "ping"}, caps.Actions())
}

func TestCommandInWindowIsAnswered(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handled := make(chan string, 1)
	d, pipe, ctx := startDevice(t, clock, WithCommandHandler(func(msg proto.Message) (proto.Payload, error) {
		handled <- msg.Action()
		return proto.Payload{{Key: "status", Value: proto.String("done")}}, nil
	}))
	pipe.next(t)
	for range 4 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(5 * time.Second)
		pipe.next(t)
	}

	cmd := proto.NewCommand("a01", "set_interval", proto.Int(30), uint64(clock.Now().Unix()))
	cmd.ReplyTo = "cmd-7"
	pipe.push(t, cmd)

	assert.Equal(t, "set_interval", <-handled)
	resp := pipe.next(t)
	assert.Equal(t, proto.KindResponse, resp.Kind)
	assert.Equal(t, "cmd-7", resp.InReplyTo)
	status, _ := resp.Payload.GetString("status")
	assert.Equal(t, "done", status)
	assert.Len(t, d.Received(), 1)
	assert.Zero(t, d.Missed())
}

func TestCommandOutsideWindowIsCounted(t *testing.T) {
	d, pipe, _ := startDevice(t, clockwork.NewFakeClock())
	pipe.next(t)

	pipe.push(t, proto.NewCommand("a01", "ping", proto.Null(), 1700000000))
	require.Eventually(t, func() bool { return d.Missed() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, d.Received(), 1)

	select {
	case data := <-pipe.sent:
		t.Fatalf("unexpected reply %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFromEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "hub._fieldhub-ws._tcp.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8889,
		InfoFields: []string{"transport=websocket"},
	}
	svc, err := fromEntry(WSService, entry)
	require.NoError(t, err)
	assert.Equal(t, "websocket", svc.Transport)
	assert.Equal(t, "192.168.1.20:8889", svc.HostPort())

	entry.AddrV4 = nil
	entry.AddrV6 = net.ParseIP("fe80::1")
	svc, err = fromEntry(TCPService, entry)
	require.NoError(t, err)
	assert.Equal(t, "tcp", svc.Transport)
	assert.Equal(t, "[fe80::1]:8889", svc.HostPort())

	entry.AddrV6 = nil
	_, err = fromEntry(TCPService, entry)
	assert.Error(t, err)
}
