package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	setErr  error
	setCall int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return b, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCall++
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = value
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, store Store, clk *clock) *Layered {
	t.Helper()
	c, err := New("fetch", Options{TTL: time.Hour, MemorySize: 16, Store: store, Now: clk.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func counter(calls *int32, value string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestGetCachesWithinTTL(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, nil, clk)
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		v, err := Get(ctx, c, "k", counter(&calls, "v1"))
		if err != nil || v != "v1" {
			t.Fatalf("Get = %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("producer calls = %d, want 1", calls)
	}
}

func TestGetExpiresAfterTTL(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, nil, clk)
	ctx := context.Background()
	var calls int32

	if _, err := Get(ctx, c, "k", counter(&calls, "v1")); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Hour - time.Millisecond)
	v, _ := Get(ctx, c, "k", counter(&calls, "v2"))
	if v != "v1" || calls != 1 {
		t.Fatalf("just before expiry: value %q calls %d, want v1 and 1", v, calls)
	}

	clk.Advance(time.Millisecond)
	v, _ = Get(ctx, c, "k", counter(&calls, "v2"))
	if v != "v2" || calls != 2 {
		t.Fatalf("at expiry: value %q calls %d, want v2 and 2", v, calls)
	}
}

func TestGetReadsPersistentTier(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore()
	ctx := context.Background()
	var calls int32

	first := newTestCache(t, store, clk)
	if _, err := Get(ctx, first, "k", counter(&calls, "persisted")); err != nil {
		t.Fatal(err)
	}
	first.Wait()

	if _, ok := store.data["fetch:k"]; !ok {
		t.Fatalf("expected persisted entry under namespaced key, have %v", store.data)
	}

	// A fresh process has an empty memory tier.
	clk.Advance(30 * time.Minute)
	second := newTestCache(t, store, clk)
	v, err := Get(ctx, second, "k", counter(&calls, "recomputed"))
	if err != nil || v != "persisted" {
		t.Fatalf("Get = %q, %v; want persisted", v, err)
	}
	if calls != 1 {
		t.Errorf("producer calls = %d, want 1", calls)
	}

	// Promotion keeps the original timestamp.
	clk.Advance(30 * time.Minute)
	v, _ = Get(ctx, second, "k", counter(&calls, "recomputed"))
	if v != "recomputed" {
		t.Errorf("promoted entry outlived its TTL: got %q", v)
	}
}

func TestGetStructThroughPersistentTier(t *testing.T) {
	type payload struct {
		Amount string  `json:"amount"`
		Rate   float64 `json:"rate"`
		Wide   int64   `json:"wide"`
	}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore()
	ctx := context.Background()
	want := payload{Amount: "10n", Rate: 0.031, Wide: 1 << 60}

	first := newTestCache(t, store, clk)
	if _, err := Get(ctx, first, "p", func(context.Context) (payload, error) { return want, nil }); err != nil {
		t.Fatal(err)
	}
	first.Wait()

	second := newTestCache(t, store, clk)
	got, err := Get(ctx, second, "p", func(context.Context) (payload, error) {
		return payload{}, errors.New("should not be called")
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetForceBypassesReads(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, nil, clk)
	ctx := context.Background()
	var calls int32

	_, _ = Get(ctx, c, "k", counter(&calls, "old"))
	v, _ := Get(WithForce(ctx), c, "k", counter(&calls, "new"))
	if v != "new" || calls != 2 {
		t.Fatalf("forced Get = %q with %d calls", v, calls)
	}

	// The forced result was written through.
	v, _ = Get(ctx, c, "k", counter(&calls, "newer"))
	if v != "new" || calls != 2 {
		t.Errorf("after force Get = %q with %d calls, want new and 2", v, calls)
	}
}

func TestGetPropagatesProducerError(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore()
	c := newTestCache(t, store, clk)
	ctx := context.Background()
	boom := errors.New("upstream down")

	_, err := Get(ctx, c, "k", func(context.Context) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	c.Wait()
	if store.setCall != 0 {
		t.Errorf("failed producer wrote %d entries", store.setCall)
	}

	var calls int32
	v, err := Get(ctx, c, "k", counter(&calls, "ok"))
	if err != nil || v != "ok" || calls != 1 {
		t.Errorf("retry Get = %q, %v, calls %d", v, err, calls)
	}
}

func TestGetExpiredFailureHasNoStaleFallback(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, nil, clk)
	ctx := context.Background()
	var calls int32

	_, _ = Get(ctx, c, "k", counter(&calls, "old"))
	clk.Advance(2 * time.Hour)

	_, err := Get(ctx, c, "k", func(context.Context) (string, error) { return "", errors.New("down") })
	if err == nil {
		t.Fatal("expected producer error once the entry expired")
	}
}

func TestGetCorruptEntryIsMiss(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore()
	store.data["fetch:k"] = []byte("{not json")
	c := newTestCache(t, store, clk)
	var calls int32

	v, err := Get(context.Background(), c, "k", counter(&calls, "fresh"))
	if err != nil || v != "fresh" || calls != 1 {
		t.Errorf("Get = %q, %v, calls %d", v, err, calls)
	}
}

func TestGetStoreWriteFailureIsSwallowed(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore()
	store.setErr = errors.New("read only")
	c := newTestCache(t, store, clk)
	var calls int32

	v, err := Get(context.Background(), c, "k", counter(&calls, "v"))
	c.Wait()
	if err != nil || v != "v" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if store.setCall != 1 {
		t.Errorf("store writes attempted = %d, want 1", store.setCall)
	}
}

func TestGetCollapsesConcurrentMisses(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, nil, clk)
	release := make(chan struct{})
	var calls int32

	produce := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _ := Get(context.Background(), c, "k", produce)
			results[i] = v
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("producer calls = %d, want 1", calls)
	}
	for i, v := range results {
		if v != 7 {
			t.Errorf("results[%d] = %d, want 7", i, v)
		}
	}
}

func TestGetWaiterSurvivesFirstCallerCancel(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, nil, clk)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	produce := func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "listing", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := Get(firstCtx, c, "k", produce)
		firstErr <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := Get(context.Background(), c, "k", produce)
		second <- result{v, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller err = %v, want context.Canceled", err)
	}
	close(release)

	got := <-second
	if got.err != nil || got.v != "listing" {
		t.Fatalf("second caller = %q, %v; want listing", got.v, got.err)
	}
	if calls != 1 {
		t.Errorf("producer calls = %d, want 1", calls)
	}
	if v, err := Get(context.Background(), c, "k", counter(&calls, "other")); err != nil || v != "listing" {
		t.Errorf("cached value = %q, %v; want listing", v, err)
	}
}

func TestForced(t *testing.T) {
	ctx := context.Background()
	if Forced(ctx) {
		t.Error("plain context should not be forced")
	}
	if !Forced(WithForce(ctx)) {
		t.Error("WithForce context should be forced")
	}
}
