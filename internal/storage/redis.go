package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/site-crawler/pkg/utils"
)

// DefaultRunTTL bounds how long the keys of an abandoned run survive.
const DefaultRunTTL = 24 * time.Hour

// RedisStore keeps the frontier and visited set of one crawl run in Redis.
// All keys are scoped by the run ID and removed by Cleanup.
type RedisStore struct {
	client *redis.Client
	runID  string
	ttl    time.Duration
}

// NewRedisClient creates a client for addr. It does not connect until first use.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisStore(client *redis.Client, runID string) *RedisStore {
	return &RedisStore{client: client, runID: runID, ttl: DefaultRunTTL}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(name string) string {
	return fmt.Sprintf("crawler:%s:%s", s.runID, name)
}

// Frontier returns the run's FIFO queue.
func (s *RedisStore) Frontier() *RedisFrontier {
	return &RedisFrontier{store: s, queueKey: s.key("queue"), pendingKey: s.key("pending")}
}

// Visited returns the run's visited set.
func (s *RedisStore) Visited() *RedisVisitedSet {
	return &RedisVisitedSet{store: s, key: s.key("visited")}
}

// Cleanup deletes every key of the run.
func (s *RedisStore) Cleanup(ctx context.Context) error {
	return s.client.Del(ctx, s.key("queue"), s.key("pending"), s.key("visited")).Err()
}

// RedisFrontier is a FIFO of URLs backed by a Redis list. A companion set
// tracks queued URLs so each URL is queued at most once at a time.
type RedisFrontier struct {
	store      *RedisStore
	queueKey   string
	pendingKey string
}

// Push appends url to the tail unless it is already queued.
func (f *RedisFrontier) Push(ctx context.Context, url string) (bool, error) {
	added, err := f.store.client.SAdd(ctx, f.pendingKey, url).Result()
	if err != nil {
		return false, err
	}
	if added == 0 {
		return false, nil
	}

	_, err = f.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, f.queueKey, url)
		pipe.Expire(ctx, f.queueKey, f.store.ttl)
		pipe.Expire(ctx, f.pendingKey, f.store.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pop removes and returns the head. ok is false when the queue is empty.
func (f *RedisFrontier) Pop(ctx context.Context) (string, bool, error) {
	url, err := f.store.client.LPop(ctx, f.queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := f.store.client.SRem(ctx, f.pendingKey, url).Err(); err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Len returns the number of queued URLs.
func (f *RedisFrontier) Len(ctx context.Context) (int, error) {
	n, err := f.store.client.LLen(ctx, f.queueKey).Result()
	return int(n), err
}

// RedisVisitedSet stores SHA-256 hashes of visited URLs in a Redis set.
type RedisVisitedSet struct {
	store *RedisStore
	key   string
}

func (v *RedisVisitedSet) Add(ctx context.Context, url string) error {
	_, err := v.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, v.key, utils.HashURL(url))
		pipe.Expire(ctx, v.key, v.store.ttl)
		return nil
	})
	return err
}

func (v *RedisVisitedSet) Contains(ctx context.Context, url string) (bool, error) {
	return v.store.client.SIsMember(ctx, v.key, utils.HashURL(url)).Result()
}

func (v *RedisVisitedSet) Len(ctx context.Context) (int, error) {
	n, err := v.store.client.SCard(ctx, v.key).Result()
	return int(n), err
}
