package publish

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// hashStore is the subset of *redis.Client used by the sink.
type hashStore interface {
	Ping(ctx context.Context) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisSink keeps the latest state of every sensor in a hash.
type RedisSink struct {
	prefix string
	client hashStore
}

// NewRedisSink returns a RedisSink for the server at addr.
func NewRedisSink(addr, password string, db int, prefix string) *RedisSink {
	return &RedisSink{
		prefix: prefix,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Connect implements Sink.
func (s *RedisSink) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, st types.SensorState) error {
	key := RedisKey(s.prefix, st.SensorID)
	if err := s.client.HSet(ctx, key, stateFields(st)).Err(); err != nil {
		return fmt.Errorf("redis: hset %s: %w", key, err)
	}
	return nil
}

// Close implements Sink. The client pool survives reconnects.
func (s *RedisSink) Close() error { return nil }

// Shutdown closes the client pool.
func (s *RedisSink) Shutdown() error { return s.client.Close() }
