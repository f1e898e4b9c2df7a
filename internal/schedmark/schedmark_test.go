package schedmark

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create schedmark store: %v", err)
	}
	return store, s
}

func TestMarkHourBucketOncePerHour(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	at := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	set, err := store.MarkHourBucket(ctx, "conv-1", "tick", at)
	if err != nil {
		t.Fatalf("MarkHourBucket failed: %v", err)
	}
	if !set {
		t.Fatal("first mark in the hour should set")
	}

	// Same calendar hour, different minute: already marked.
	set, err = store.MarkHourBucket(ctx, "conv-1", "tick", at.Add(40*time.Minute))
	if err != nil {
		t.Fatalf("MarkHourBucket failed: %v", err)
	}
	if set {
		t.Fatal("second mark in the same hour must not set")
	}

	// Next hour is a fresh bucket.
	set, err = store.MarkHourBucket(ctx, "conv-1", "tick", at.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkHourBucket failed: %v", err)
	}
	if !set {
		t.Fatal("next hour should set")
	}
}

func TestMarkBucketsAreIsolated(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	at := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	if set, err := store.MarkHourBucket(ctx, "conv-1", "tick", at); err != nil || !set {
		t.Fatalf("conv-1 tick: set=%v err=%v", set, err)
	}
	// Different conversation and different kind both get their own marks.
	if set, err := store.MarkHourBucket(ctx, "conv-2", "tick", at); err != nil || !set {
		t.Fatalf("conv-2 tick: set=%v err=%v", set, err)
	}
	if set, err := store.MarkHourBucket(ctx, "conv-1", "moment", at); err != nil || !set {
		t.Fatalf("conv-1 moment: set=%v err=%v", set, err)
	}
}

func TestMarkDayBucket(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	morning := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)

	if set, err := store.MarkDayBucket(ctx, "conv-1", "diary", morning); err != nil || !set {
		t.Fatalf("morning mark: set=%v err=%v", set, err)
	}
	if set, err := store.MarkDayBucket(ctx, "conv-1", "diary", evening); err != nil || set {
		t.Fatalf("same-day evening mark must not set: set=%v err=%v", set, err)
	}
	if set, err := store.MarkDayBucket(ctx, "conv-1", "diary", morning.AddDate(0, 0, 1)); err != nil || !set {
		t.Fatalf("next-day mark: set=%v err=%v", set, err)
	}
}

func TestWakeQueueRoundTrip(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.EnqueueWake(ctx, "job-1"); err != nil {
		t.Fatalf("EnqueueWake failed: %v", err)
	}
	if err := store.EnqueueWake(ctx, "job-2"); err != nil {
		t.Fatalf("EnqueueWake failed: %v", err)
	}

	first, err := store.DequeueWake(ctx, time.Second)
	if err != nil {
		t.Fatalf("DequeueWake failed: %v", err)
	}
	second, err := store.DequeueWake(ctx, time.Second)
	if err != nil {
		t.Fatalf("DequeueWake failed: %v", err)
	}
	if first != "job-1" || second != "job-2" {
		t.Fatalf("expected FIFO order, got %q then %q", first, second)
	}
}
