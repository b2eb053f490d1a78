package routing

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedisClient is the subset of the go-redis client the mirror uses.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, "fieldhub:route:" when empty
	TTL      time.Duration // key expiry, refreshed on every write
}

// RedisMirror writes routing entries to Redis from a single background
// goroutine so the inbound path never waits on the network.
type RedisMirror struct {
	client  RedisClient
	prefix  string
	ttl     time.Duration
	pending chan Entry
	log     zerolog.Logger
}

func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}
	return client, nil
}

func NewRedisMirror(client RedisClient, cfg RedisConfig) *RedisMirror {
	if cfg.Prefix == "" {
		cfg.Prefix = "fieldhub:route:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisMirror{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		pending: make(chan Entry, 256),
		log:     log.Logger.With().Str("component", "route-mirror").Logger(),
	}
}

// Store queues an entry for writing. When the queue is full the entry is
// skipped; the next inbound message from that device refreshes it anyway.
func (m *RedisMirror) Store(e Entry) {
	select {
	case m.pending <- e:
	default:
		m.log.Debug().Str("device_id", e.DeviceID).Msg("Mirror queue full, skipping entry")
	}
}

// Run drains the queue until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-m.pending:
			if err := m.write(ctx, e); err != nil {
				m.log.Warn().Err(err).Str("device_id", e.DeviceID).Msg("Failed to mirror route")
			}
		}
	}
}

func (m *RedisMirror) write(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	key := m.prefix + e.DeviceID
	if err := m.client.HSet(ctx, key,
		"transport", string(e.Source.Transport),
		"address", e.Source.Address,
		"last_seen", e.LastSeen.Unix(),
	).Err(); err != nil {
		return errors.Wrapf(err, "hset %s", key)
	}
	return errors.Wrapf(m.client.Expire(ctx, key, m.ttl).Err(), "expire %s", key)
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
