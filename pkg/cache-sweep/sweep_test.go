package cachesweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/presscache/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct {
	cache.MemStore
}

func (brokenStore) Sweep(context.Context) (int, error) {
	return 0, errors.New("broken")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	opts := cache.Options{KeyStorageTime: time.Minute, ExpireUnconfirmed: true, Now: clock.Now}
	scripts := cache.NewMemStore(opts)
	styles := cache.NewMemStore(opts)
	require.NoError(t, scripts.Put(ctx, cache.Artifact{Key: "a", Body: []byte("a")}))
	require.NoError(t, styles.Put(ctx, cache.Artifact{Key: "b", Body: []byte("b")}))
	clock.Advance(2 * time.Minute)
	require.NoError(t, styles.Put(ctx, cache.Artifact{Key: "c", Body: []byte("c")}))

	s := New(map[string]cache.Store{
		"js":     scripts,
		"css":    styles,
		"broken": brokenStore{cache.NewMemStore(opts)},
	}, time.Minute, zerolog.Nop())

	assert.Equal(t, 2, s.SweepOnce(ctx))
	n, err := styles.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(map[string]cache.Store{"js": cache.NewMemStore(cache.Options{})}, time.Millisecond, zerolog.Nop())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRunDisabled(t *testing.T) {
	s := New(nil, 0, zerolog.Nop())
	assert.NoError(t, s.Run(context.Background()))
}

func TestRunSweepsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cache.NewMemStore(cache.Options{KeyStorageTime: time.Nanosecond, ExpireUnconfirmed: true})
	require.NoError(t, store.Put(ctx, cache.Artifact{Key: "a", Body: []byte("a")}))
	s := New(map[string]cache.Store{"js": store}, 5*time.Millisecond, zerolog.Nop())
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := store.Len(ctx)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}
