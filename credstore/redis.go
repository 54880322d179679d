package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultRedisChannel is the pub/sub channel used by RedisBus when none is given.
const DefaultRedisChannel = "trackr:credentials"

// RedisBackend stores credentials under Prefix+key in Redis, which lets
// processes on different hosts share one access credential.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisBackend returns a RedisBackend. An empty prefix defaults to "trackr:".
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "trackr:"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

// RedisBus publishes changes as JSON on a Redis pub/sub channel.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisBus returns a RedisBus on channel (DefaultRedisChannel when empty).
func NewRedisBus(rdb redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{rdb: rdb, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(Change)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Warn().Err(err).Str("channel", b.channel).Msg("Ignoring malformed credential change")
				continue
			}
			fn(change)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			<-done
		})
	}, nil
}
