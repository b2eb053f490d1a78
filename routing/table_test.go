package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/fieldhub/proto"
)

func TestLookupUnknownDevice(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))

	_, err := table.Lookup("ghost")
	assert.ErrorIs(t, err, ErrDeviceUnroutable)
	assert.Equal(t, 0, table.Len(), "lookup never creates entries")
}

func TestUpdateRefreshesEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewTable(WithClock(clock), WithLogger(zerolog.Nop()))

	table.Update("a01", proto.SourceInfo{Transport: proto.TransportBLE, Address: "AA:BB"})
	first, ok := table.Entry("a01")
	require.True(t, ok)

	clock.Advance(time.Minute)
	table.Update("a01", proto.SourceInfo{Transport: proto.TransportSerial, Address: "/dev/ttyUSB0"})

	src, err := table.Lookup("a01")
	require.NoError(t, err)
	assert.Equal(t, "a01", src.ID)
	assert.Equal(t, proto.TransportSerial, src.Transport)
	assert.Equal(t, "/dev/ttyUSB0", src.Address)

	second, _ := table.Entry("a01")
	assert.Equal(t, time.Minute, second.LastSeen.Sub(first.LastSeen))
	assert.Equal(t, 1, table.Len())
}

func TestStaleEntriesStayRoutable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewTable(WithClock(clock), WithLogger(zerolog.Nop()))
	table.Update("a01", proto.SourceInfo{Transport: proto.TransportRadio, Address: "0a0b"})

	clock.Advance(24 * time.Hour)
	_, err := table.Lookup("a01")
	assert.NoError(t, err)
}

func TestSnapshotSorted(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	for _, id := range []string{"c", "a", "b"} {
		table.Update(id, proto.SourceInfo{Transport: proto.TransportNetwork, Address: id})
	}
	snap := table.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].DeviceID)
	assert.Equal(t, "c", snap[2].DeviceID)
}

func TestConcurrentUpdates(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("dev-%d", i%10)
			table.Update(id, proto.SourceInfo{Transport: proto.TransportNetwork, Address: fmt.Sprint(i)})
			_, _ = table.Lookup(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, table.Len())
}

type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string][]interface{}
	ttls   map[string]time.Duration
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[key] = values
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }
func (f *fakeRedis) Close() error                              { return nil }

func TestRedisMirror(t *testing.T) {
	fake := &fakeRedis{hashes: map[string][]interface{}{}, ttls: map[string]time.Duration{}}
	mirror := NewRedisMirror(fake, RedisConfig{TTL: time.Hour})
	table := NewTable(WithLogger(zerolog.Nop()), WithMirror(mirror))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = mirror.Run(ctx)
		close(done)
	}()

	table.Update("a01", proto.SourceInfo{Transport: proto.TransportBLE, Address: "AA:BB"})

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.ttls["fieldhub:route:a01"] == time.Hour
	}, time.Second, 5*time.Millisecond)

	fake.mu.Lock()
	values := fake.hashes["fieldhub:route:a01"]
	fake.mu.Unlock()
	assert.Equal(t, []interface{}{"transport", "ble", "address", "AA:BB"}, values[:4])

	cancel()
	<-done
}
