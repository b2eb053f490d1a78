package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/fieldhub/proto"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg proto.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockSender) actions() []string {
	var out []string
	for _, call := range m.Calls {
		out = append(out, call.Arguments.Get(1).(proto.Message).Action())
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(topic string, payload proto.Payload, src proto.SourceInfo) int {
	name, _ := payload.GetString("event")
	p.mu.Lock()
	p.events = append(p.events, name)
	p.mu.Unlock()
	return 1
}

func (p *recordingPublisher) has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == name {
			return true
		}
	}
	return false
}

var (
	dataMeta = &proto.Schedule{Mode: proto.ModeData, CmdIn: 30, CmdDur: 10}
	cmdMeta  = &proto.Schedule{Mode: proto.ModeCmd, CmdIn: 0, CmdDur: 10}
)

func isAction(name string) func(proto.Message) bool {
	return func(msg proto.Message) bool { return msg.Action() == name }
}

func newTestScheduler(t *testing.T, snd Sender, cfg Config, opts ...Option) (*Scheduler, *clockwork.FakeClock, *recordingPublisher) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}
	cfg.SendInterval = 0
	opts = append([]Option{WithClock(clock), WithLogger(zerolog.Nop()), WithPublisher(pub)}, opts...)
	s := New(snd, cfg, opts...)
	t.Cleanup(s.Close)
	return s, clock, pub
}

func waitIdle(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d := s.lockDevice(id, false)
		if d == nil {
			return true
		}
		defer d.mu.Unlock()
		return !d.flushing
	}, 2*time.Second, time.Millisecond)
}

func enqueue(t *testing.T, s *Scheduler, id, act string, p Priority) {
	t.Helper()
	require.NoError(t, s.Enqueue(context.Background(), Command{DeviceID: id, Action: act, Priority: p}))
}

func TestFlushDrainsByPriority(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, _, pub := newTestScheduler(t, snd, Config{})

	s.ObserveTelemetry("a01", dataMeta)
	enqueue(t, s, "a01", "low", Low)
	enqueue(t, s, "a01", "normal", Normal)
	enqueue(t, s, "a01", "high", High)
	assert.Empty(t, snd.Calls, "nothing is sent in Data mode")

	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"high", "normal", "low"}, snd.actions())
	st, ok := s.Status("a01")
	require.True(t, ok)
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, ModeCmd, st.Mode)
	assert.True(t, pub.has("batch_complete"))
}

func TestDrainOrderProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 30; round++ {
		snd := &mockSender{}
		snd.On("Send", mock.Anything, mock.Anything).Return(nil)
		s, _, _ := newTestScheduler(t, snd, Config{MaxQueueDepth: 1000})

		type queued struct {
			name string
			p    Priority
		}
		var want []queued
		for i := 0; i < 1+rng.Intn(40); i++ {
			p := Priority(rng.Intn(4))
			name := fmt.Sprintf("c%d", i)
			enqueue(t, s, "dev", name, p)
			if p != Critical {
				want = append(want, queued{name, p})
			}
		}
		sort.SliceStable(want, func(i, j int) bool { return want[i].p > want[j].p })

		criticalSent := len(snd.Calls)
		s.ObserveTelemetry("dev", cmdMeta)
		waitIdle(t, s, "dev")

		got := snd.actions()[criticalSent:]
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].name, got[i])
		}
	}
}

func TestCriticalBypassesQueue(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, _, pub := newTestScheduler(t, snd, Config{})

	s.ObserveTelemetry("a01", dataMeta)
	enqueue(t, s, "a01", "queued", Normal)
	enqueue(t, s, "a01", "stop", Critical)

	assert.Equal(t, []string{"stop"}, snd.actions(), "critical is sent before Enqueue returns")
	st, _ := s.Status("a01")
	assert.Equal(t, 1, st.Queued)
	assert.True(t, pub.has("command_sent_critical"))

	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")
	assert.Equal(t, []string{"stop", "queued"}, snd.actions())
}

func TestCriticalFailureSurfaces(t *testing.T) {
	errUnroutable := errors.New("unroutable")
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(errUnroutable)
	s, _, _ := newTestScheduler(t, snd, Config{})

	err := s.Enqueue(context.Background(), Command{DeviceID: "ghost", Action: "stop", Priority: Critical})
	assert.ErrorIs(t, err, errUnroutable)

	_, ok := s.Status("ghost")
	assert.False(t, ok, "a failed critical command is not queued")
}

func TestOneFlushPerWindow(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, clock, _ := newTestScheduler(t, snd, Config{})

	enqueue(t, s, "a01", "one", Normal)
	enqueue(t, s, "a01", "two", Normal)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	enqueue(t, s, "a01", "three", Normal)
	clock.Advance(time.Second)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"one", "two"}, snd.actions())
	st, _ := s.Status("a01")
	assert.Equal(t, 1, st.Queued, "commands queued after the flush wait for the next window")

	s.ObserveTelemetry("a01", dataMeta)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")
	assert.Equal(t, []string{"one", "two", "three"}, snd.actions())
}

func TestLongCmdReportsStartNewWindowAfterDuration(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, clock, _ := newTestScheduler(t, snd, Config{})

	enqueue(t, s, "a01", "one", Normal)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	enqueue(t, s, "a01", "two", Normal)
	clock.Advance(11 * time.Second)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"one", "two"}, snd.actions())
}

func TestEmptyWindowDoesNotConsumeFlush(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, _, _ := newTestScheduler(t, snd, Config{})

	s.ObserveTelemetry("a01", cmdMeta)
	enqueue(t, s, "a01", "late", High)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"late"}, snd.actions())
}

func TestFailedSendRetriesNextWindow(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.MatchedBy(isAction("a"))).Return(errors.New("link down")).Once()
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, _, pub := newTestScheduler(t, snd, Config{})

	enqueue(t, s, "a01", "a", High)
	enqueue(t, s, "a01", "b", Normal)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"a"}, snd.actions())
	st, _ := s.Status("a01")
	assert.Equal(t, 2, st.Queued, "failed command and the rest of the batch are requeued")
	assert.True(t, pub.has("command_retry"))

	s.ObserveTelemetry("a01", dataMeta)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"a", "a", "b"}, snd.actions())
	st, _ = s.Status("a01")
	assert.Equal(t, 0, st.Queued)
}

func TestRetryBound(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(errors.New("nack"))
	s, _, pub := newTestScheduler(t, snd, Config{MaxAttempts: 3})

	enqueue(t, s, "a01", "doomed", Normal)
	for i := 0; i < 5; i++ {
		s.ObserveTelemetry("a01", dataMeta)
		s.ObserveTelemetry("a01", cmdMeta)
		waitIdle(t, s, "a01")
	}

	assert.Equal(t, []string{"doomed", "doomed", "doomed"}, snd.actions())
	st, _ := s.Status("a01")
	assert.Equal(t, 0, st.Queued)
	assert.True(t, pub.has("command_failed"))
}

func TestWindowClosingMidFlushCountsAsFailure(t *testing.T) {
	snd := &mockSender{}
	var s *Scheduler
	snd.On("Send", mock.Anything, mock.MatchedBy(isAction("first"))).
		Run(func(mock.Arguments) { s.ObserveTelemetry("a01", dataMeta) }).
		Return(nil)
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, _, _ = newTestScheduler(t, snd, Config{})

	enqueue(t, s, "a01", "first", High)
	enqueue(t, s, "a01", "second", Normal)
	enqueue(t, s, "a01", "third", Low)
	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"first"}, snd.actions())
	st, _ := s.Status("a01")
	assert.Equal(t, ModeData, st.Mode)
	assert.Equal(t, 2, st.Queued)

	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")
	assert.Equal(t, []string{"first", "second", "third"}, snd.actions())
}

func TestQueueDepthEvictsLowestOldest(t *testing.T) {
	snd := &mockSender{}
	s, _, pub := newTestScheduler(t, snd, Config{MaxQueueDepth: 3})

	enqueue(t, s, "a01", "h1", High)
	enqueue(t, s, "a01", "l1", Low)
	enqueue(t, s, "a01", "l2", Low)
	enqueue(t, s, "a01", "n1", Normal)

	st, _ := s.Status("a01")
	assert.Equal(t, 3, st.Queued)
	assert.Equal(t, 1, st.Low)
	assert.True(t, pub.has("command_evicted"))

	enqueue(t, s, "a01", "h2", High)
	st, _ = s.Status("a01")
	assert.Equal(t, QueueStatus{DeviceID: "a01", Queued: 3, High: 2, Normal: 1, Mode: ModeUnknown}, st)
}

func TestExpiredCommandsDropped(t *testing.T) {
	snd := &mockSender{}
	snd.On("Send", mock.Anything, mock.Anything).Return(nil)
	s, clock, pub := newTestScheduler(t, snd, Config{})

	require.NoError(t, s.Enqueue(context.Background(), Command{DeviceID: "a01", Action: "stale", Priority: High, MaxAge: 10 * time.Second}))
	enqueue(t, s, "a01", "fresh", Low)
	clock.Advance(11 * time.Second)

	s.ObserveTelemetry("a01", cmdMeta)
	waitIdle(t, s, "a01")

	assert.Equal(t, []string{"fresh"}, snd.actions())
	assert.True(t, pub.has("commands_expired"))
}

func TestPruneStaleKeepsQueue(t *testing.T) {
	snd := &mockSender{}
	s, clock, _ := newTestScheduler(t, snd, Config{StaleAfter: 5 * time.Minute})

	s.ObserveTelemetry("a01", dataMeta)
	enqueue(t, s, "a01", "pending", Normal)
	clock.Advance(4 * time.Minute)
	s.ObserveTelemetry("b02", dataMeta)
	clock.Advance(2 * time.Minute)

	assert.Equal(t, []string{"a01"}, s.PruneStale())

	a, ok := s.Status("a01")
	require.True(t, ok)
	assert.Equal(t, ModeUnknown, a.Mode)
	assert.Equal(t, 1, a.Queued)
	assert.Nil(t, a.UntilWindow)

	b, ok := s.Status("b02")
	require.True(t, ok)
	assert.Equal(t, ModeData, b.Mode)
}

func TestTelemetryWithoutMetadataRefreshesSchedule(t *testing.T) {
	s, clock, _ := newTestScheduler(t, &mockSender{}, Config{StaleAfter: time.Minute})

	s.ObserveTelemetry("a01", dataMeta)
	clock.Advance(50 * time.Second)
	s.ObserveTelemetry("a01", nil)
	clock.Advance(50 * time.Second)

	assert.Empty(t, s.PruneStale())
	clock.Advance(time.Minute)
	assert.Equal(t, []string{"a01"}, s.PruneStale())

	_, ok := s.Status("a01")
	assert.False(t, ok, "device with no schedule and no queue is forgotten")
}

func TestStatusCountdown(t *testing.T) {
	s, clock, pub := newTestScheduler(t, &mockSender{}, Config{})

	_, ok := s.Status("a01")
	assert.False(t, ok)

	s.ObserveTelemetry("a01", dataMeta)
	clock.Advance(10 * time.Second)

	st, ok := s.Status("a01")
	require.True(t, ok)
	require.NotNil(t, st.UntilWindow)
	assert.Equal(t, 20*time.Second, *st.UntilWindow)
	assert.True(t, pub.has("cmd_window_scheduled"))

	s.ObserveTelemetry("a01", &proto.Schedule{Mode: proto.ModeData, CmdIn: 3, CmdDur: 10})
	assert.True(t, pub.has("cmd_window_imminent"))

	s.ObserveTelemetry("a01", cmdMeta)
	st, _ = s.Status("a01")
	assert.Nil(t, st.UntilWindow)
	assert.True(t, st.WindowOpen())
}

func TestEnqueueValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, &mockSender{}, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, s.Enqueue(ctx, Command{Action: "x"}), ErrInvalidCommand)
	assert.ErrorIs(t, s.Enqueue(ctx, Command{DeviceID: "a01"}), ErrInvalidCommand)
	assert.ErrorIs(t, s.Enqueue(ctx, Command{DeviceID: "a01", Action: "x", Priority: Priority(9)}), ErrInvalidCommand)

	s.Close()
	assert.ErrorIs(t, s.Enqueue(ctx, Command{DeviceID: "a01", Action: "x"}), ErrClosed)
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{"": Normal, "LOW": Low, "high": High, " critical ": Critical} {
		got, err := ParsePriority(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidCommand)
}
