package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/curator/internal/adapter/tiered"
	"github.com/Strob0t/curator/internal/port/cache"
)

var _ cache.Cache = (*memCache)(nil)

// memCache is a simple in-memory cache for testing.
type memCache struct {
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func TestTiered_L1Hit(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)

	l1.data["key1"] = []byte("val1")

	val, found, err := c.Get(context.Background(), "key1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "val1" {
		t.Fatalf("expected L1 hit, got %q %v", val, found)
	}
}

func TestTiered_L2HitWithBackfill(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)

	l2.data["key2"] = []byte("val2")

	val, found, err := c.Get(context.Background(), "key2")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "val2" {
		t.Fatalf("expected L2 hit, got %q %v", val, found)
	}
	if string(l1.data["key2"]) != "val2" || l1.ttls["key2"] != 5*time.Minute {
		t.Fatal("expected L1 backfill with l1 expiry")
	}
}

func TestTiered_Miss(t *testing.T) {
	c := tiered.New(newMemCache(), newMemCache(), time.Minute)
	_, found, err := c.Get(context.Background(), "missing")
	if err != nil || found {
		t.Fatalf("expected miss, got %v %v", found, err)
	}
}

func TestTiered_L2FailureDegrades(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	l2.err = errors.New("nats down")
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	if _, found, err := c.Get(ctx, "k"); err != nil || found {
		t.Fatalf("expected silent miss, got %v %v", found, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set should succeed on L1 alone: %v", err)
	}
	if _, found, _ := c.Get(ctx, "k"); !found {
		t.Fatal("expected L1 hit after degraded Set")
	}
}

func TestTiered_SetCapsL1TTL(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, time.Minute)

	if err := c.Set(context.Background(), "k", []byte("v"), 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if l1.ttls["k"] != time.Minute || l2.ttls["k"] != 24*time.Hour {
		t.Fatalf("unexpected ttls l1=%v l2=%v", l1.ttls["k"], l2.ttls["k"])
	}
}

func TestTiered_Delete(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1.data["k"]; ok {
		t.Fatal("expected L1 deleted")
	}
	if _, ok := l2.data["k"]; ok {
		t.Fatal("expected L2 deleted")
	}
}
