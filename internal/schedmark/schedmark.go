// Package schedmark provides the Redis-backed coordination surface for the
// autonomous scheduler and the patch scribe: emission bucket marks and the
// scribe wake queue. Redis here is an optimization only; the persisted
// schedule board stays authoritative when Redis is down.
package schedmark

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const wakeQueueKey = "scribe:wake"

// Store marks scheduler emission buckets and carries scribe wake signals.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{client: client, prefix: "sched:"}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "sched:"}
}

func (s *Store) hourKey(conversationID, kind string, at time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", s.prefix, kind, conversationID, at.UTC().Format("2006010215"))
}

func (s *Store) dayKey(conversationID, kind string, at time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", s.prefix, kind, conversationID, at.UTC().Format("20060102"))
}

// MarkHourBucket records an emission for the calendar hour containing at.
// Returns true when this call set the mark, false when the bucket was
// already marked.
func (s *Store) MarkHourBucket(ctx context.Context, conversationID, kind string, at time.Time) (bool, error) {
	set, err := s.client.SetNX(ctx, s.hourKey(conversationID, kind, at), "1", 2*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("mark hour bucket: %w", err)
	}
	return set, nil
}

// MarkDayBucket records an emission for the calendar day containing at.
func (s *Store) MarkDayBucket(ctx context.Context, conversationID, kind string, at time.Time) (bool, error) {
	set, err := s.client.SetNX(ctx, s.dayKey(conversationID, kind, at), "1", 48*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("mark day bucket: %w", err)
	}
	return set, nil
}

// EnqueueWake signals the scribe pool that a patch job is ready.
func (s *Store) EnqueueWake(ctx context.Context, jobID string) error {
	if err := s.client.LPush(ctx, wakeQueueKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue wake: %w", err)
	}
	return nil
}

// DequeueWake blocks up to timeout waiting for a wake signal. Returns an
// empty id on timeout.
func (s *Store) DequeueWake(ctx context.Context, timeout time.Duration) (string, error) {
	vals, err := s.client.BRPop(ctx, timeout, wakeQueueKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue wake: %w", err)
	}
	if len(vals) < 2 {
		return "", nil
	}
	return vals[1], nil
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
