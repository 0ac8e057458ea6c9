package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pulsepay/ingress/config"
	"github.com/pulsepay/ingress/store"
	"github.com/rs/zerolog"
)

func newTestDedupCache(t *testing.T, ttl time.Duration) *store.DedupCache {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{RedisURL: "redis://" + mr.Addr(), DedupTTL: ttl}
	d, err := store.NewDedupCache(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDedupCache: %v", err)
	}
	return d
}

func TestDedupCacheFirstSeenIsNotDuplicate(t *testing.T) {
	d := newTestDedupCache(t, time.Minute)
	if d.SeenBefore(context.Background(), "corr-1") {
		t.Fatalf("first occurrence should not be a duplicate")
	}
}

func TestDedupCacheUnmarkedRepeatedCheckIsNotDuplicate(t *testing.T) {
	// SeenBefore is read-only: asking twice without an intervening
	// MarkSeen must not itself manufacture a duplicate. This is the
	// exact shape of a worker requeue after a dispatch that was never
	// actually delivered.
	d := newTestDedupCache(t, time.Minute)
	ctx := context.Background()
	d.SeenBefore(ctx, "corr-2")
	if d.SeenBefore(ctx, "corr-2") {
		t.Fatalf("repeated read-only check must not report a duplicate without MarkSeen")
	}
}

func TestDedupCacheMarkSeenThenCheckIsDuplicate(t *testing.T) {
	d := newTestDedupCache(t, time.Minute)
	ctx := context.Background()
	d.MarkSeen(ctx, "corr-3")
	if !d.SeenBefore(ctx, "corr-3") {
		t.Fatalf("expected correlation id to be reported as duplicate after MarkSeen")
	}
}

func TestDedupCacheNilSafe(t *testing.T) {
	var d *store.DedupCache
	if d.SeenBefore(context.Background(), "anything") {
		t.Fatalf("nil DedupCache must report not-seen, never a duplicate")
	}
	d.MarkSeen(context.Background(), "anything") // must not panic
}

func TestDedupCacheEmptyCorrelationNeverDedups(t *testing.T) {
	d := newTestDedupCache(t, time.Minute)
	ctx := context.Background()
	if d.SeenBefore(ctx, "") {
		t.Fatalf("empty correlation id should never be treated as a duplicate")
	}
	if d.SeenBefore(ctx, "") {
		t.Fatalf("empty correlation id should never be treated as a duplicate")
	}
}
