package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Masa712/DIVERGE-sub003/internal/cache"
	"github.com/Masa712/DIVERGE-sub003/internal/token"
)

func newTestCache(t *testing.T, cfg cache.Config) *cache.Cache {
	t.Helper()
	c := cache.New(cfg, zerolog.Nop())
	t.Cleanup(c.Purge)
	return c
}

func testContext(content string) *cache.Context {
	return &cache.Context{
		Messages:   []token.Message{{Role: "user", Content: content}},
		TokenCount: 10,
		BuiltAt:    time.Now(),
	}
}

// buildOnce returns a BuildFunc producing a fixed context and counting calls.
func buildOnce(calls *atomic.Int32, content string, deps ...string) cache.BuildFunc {
	return func(context.Context) (*cache.Context, []string, error) {
		calls.Add(1)
		return testContext(content), deps, nil
	}
}

// ─── Fingerprint ─────────────────────────────────────────────────────────────

func TestCompute_RefOrderIndependent(t *testing.T) {
	a := cache.Compute("n1", "gpt-4", 1, 8192, 100, []string{"r1", "r2"})
	b := cache.Compute("n1", "gpt-4", 1, 8192, 100, []string{"r2", "r1"})
	assert.Equal(t, a, b, "mention order must not change the fingerprint")
}

func TestCompute_Discriminates(t *testing.T) {
	base := cache.Compute("n1", "gpt-4", 1, 8192, 100, []string{"r1"})
	assert.NotEqual(t, base, cache.Compute("n2", "gpt-4", 1, 8192, 100, []string{"r1"}))
	assert.NotEqual(t, base, cache.Compute("n1", "gpt-4o", 1, 8192, 100, []string{"r1"}))
	assert.NotEqual(t, base, cache.Compute("n1", "gpt-4", 2, 8192, 100, []string{"r1"}))
	assert.NotEqual(t, base, cache.Compute("n1", "gpt-4", 1, 300, 100, []string{"r1"}))
	assert.NotEqual(t, base, cache.Compute("n1", "gpt-4", 1, 8192, 10, []string{"r1"}))
	assert.NotEqual(t, base, cache.Compute("n1", "gpt-4", 1, 8192, 100, nil))
}

// ─── GetOrBuild ──────────────────────────────────────────────────────────────

func TestGetOrBuild_MissThenHit(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)
	var calls atomic.Int32

	got, hit, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "first", "n1"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "first", got.Messages[0].Content)

	got2, hit, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "second", "n1"))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "first", got2.Messages[0].Content, "hit must serve the cached context")
	assert.Equal(t, int32(1), calls.Load())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 0.001)
}

func TestGetOrBuild_SingleFlight(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	build := func(context.Context) (*cache.Context, []string, error) {
		calls.Add(1)
		<-release
		return testContext("shared"), []string{"n1"}, nil
	}

	const waiters = 10
	results := make(chan *cache.Context, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := c.GetOrBuild(context.Background(), fp, build)
			assert.NoError(t, err)
			results <- got
		}()
	}

	// Let every caller reach the singleflight barrier before releasing.
	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers must share one build")
	for got := range results {
		assert.Equal(t, "shared", got.Messages[0].Content)
	}
	assert.Equal(t, int64(1), c.Stats().Builds)
}

func TestGetOrBuild_BuildError(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)
	boom := errors.New("walk failed")

	_, _, err := c.GetOrBuild(context.Background(), fp,
		func(context.Context) (*cache.Context, []string, error) { return nil, nil, boom })
	assert.ErrorIs(t, err, boom)

	// Errors are not cached: the next call builds again.
	var calls atomic.Int32
	_, hit, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "ok", "n1"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrBuild_WaiterCancellationLeavesBuildRunning(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	build := func(context.Context) (*cache.Context, []string, error) {
		once.Do(func() { close(started) })
		<-release
		return testContext("survivor"), []string{"n1"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrBuild(ctx, fp, build)
		canceled <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-canceled, context.Canceled)

	// The detached build finishes and lands; a later caller hits it.
	close(release)
	require.Eventually(t, func() bool {
		_, hit, err := c.GetOrBuild(context.Background(), fp, build)
		return err == nil && hit
	}, time.Second, 5*time.Millisecond)
}

func TestGetOrBuild_TTLExpiry(t *testing.T) {
	c := newTestCache(t, cache.Config{TTL: 30 * time.Millisecond})
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)
	var calls atomic.Int32

	_, hit, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "v1", "n1"))
	require.NoError(t, err)
	require.False(t, hit)

	time.Sleep(50 * time.Millisecond)

	_, hit, err = c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "v2", "n1"))
	require.NoError(t, err)
	assert.False(t, hit, "expired entry must not be served")
	assert.Equal(t, int32(2), calls.Load())
}

// ─── Invalidation ────────────────────────────────────────────────────────────

func TestInvalidateNode_Cascades(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	var calls atomic.Int32

	// Two contexts share the ancestor "root"; a third is independent.
	fpA := cache.Compute("a", "gpt-4", 1, 8192, 100, nil)
	fpB := cache.Compute("b", "gpt-4", 1, 8192, 100, nil)
	fpC := cache.Compute("c", "gpt-4", 1, 8192, 100, nil)

	for fp, deps := range map[cache.Fingerprint][]string{
		fpA: {"root", "a"},
		fpB: {"root", "b"},
		fpC: {"c"},
	} {
		_, _, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, string(fp), deps...))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.InvalidateNode("root"))
	assert.Equal(t, 1, c.Stats().Entries)
	assert.Equal(t, int64(2), c.Stats().Invalidations)

	// The untouched context still hits; the invalidated ones rebuild.
	_, hit, err := c.GetOrBuild(context.Background(), fpC, buildOnce(&calls, "c", "c"))
	require.NoError(t, err)
	assert.True(t, hit)

	_, hit, err = c.GetOrBuild(context.Background(), fpA, buildOnce(&calls, "a", "root", "a"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInvalidateNode_UnknownNode(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	assert.Zero(t, c.InvalidateNode("never-seen"))
}

func TestInvalidateNodes_Batch(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	var calls atomic.Int32

	fpA := cache.Compute("a", "gpt-4", 1, 8192, 100, nil)
	fpB := cache.Compute("b", "gpt-4", 1, 8192, 100, nil)
	_, _, err := c.GetOrBuild(context.Background(), fpA, buildOnce(&calls, "a", "a"))
	require.NoError(t, err)
	_, _, err = c.GetOrBuild(context.Background(), fpB, buildOnce(&calls, "b", "b"))
	require.NoError(t, err)

	assert.Equal(t, 2, c.InvalidateNodes([]string{"a", "b", "ghost"}))
	assert.Zero(t, c.Stats().Entries)
}

func TestInvalidateNode_DoesNotCountAsEviction(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	var calls atomic.Int32
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)

	_, _, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "v1", "n1"))
	require.NoError(t, err)

	require.Equal(t, 1, c.InvalidateNode("n1"))
	st := c.Stats()
	assert.Equal(t, int64(1), st.Invalidations)
	assert.Zero(t, st.Evictions, "invalidation is not a capacity eviction")

	// Rebuilding the same fingerprint replaces nothing stale and must not
	// bump the eviction counter either.
	_, hit, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "v2", "n1"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Zero(t, c.Stats().Evictions)
}

func TestInvalidation_DuringBuildDiscardsStaleEntry(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	build := func(context.Context) (*cache.Context, []string, error) {
		calls.Add(1)
		if calls.Load() == 1 {
			close(started)
			<-release
		}
		return testContext(fmt.Sprintf("build-%d", calls.Load())), []string{"n1"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, hit, err := c.GetOrBuild(context.Background(), fp, build)
		assert.NoError(t, err)
		assert.False(t, hit)
		// The racing result is still served to its waiters.
		assert.Equal(t, "build-1", got.Messages[0].Content)
	}()

	<-started
	time.Sleep(5 * time.Millisecond) // invalidation lands after the build start
	c.InvalidateNode("n1")
	close(release)
	<-done

	// The stale result must not have become a cache entry.
	_, hit, err := c.GetOrBuild(context.Background(), fp, build)
	require.NoError(t, err)
	assert.False(t, hit, "entry built from pre-invalidation reads was served as fresh")
	assert.Equal(t, int32(2), calls.Load())
}

// ─── Capacity ────────────────────────────────────────────────────────────────

func TestCapacity_EvictsAndUnwindsReverseIndex(t *testing.T) {
	c := newTestCache(t, cache.Config{Capacity: 2})
	var calls atomic.Int32

	fps := make([]cache.Fingerprint, 3)
	for i := range fps {
		fps[i] = cache.Compute(fmt.Sprintf("n%d", i), "gpt-4", 1, 8192, 100, nil)
		_, _, err := c.GetOrBuild(context.Background(), fps[i],
			buildOnce(&calls, fmt.Sprintf("ctx%d", i), "shared", fmt.Sprintf("n%d", i)))
		require.NoError(t, err)
	}

	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.GreaterOrEqual(t, st.Evictions, int64(1))

	// The evicted fingerprint left the reverse index too: invalidating the
	// shared dep drops only the live entries.
	assert.Equal(t, 2, c.InvalidateNode("shared"))
	assert.Zero(t, c.Stats().Entries)
}

func TestStats_SizeTracksEntries(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	var calls atomic.Int32
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)

	_, _, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "payload", "n1"))
	require.NoError(t, err)
	assert.Positive(t, c.Stats().SizeBytes)

	c.InvalidateNode("n1")
	assert.Zero(t, c.Stats().SizeBytes)
}

func TestPurge(t *testing.T) {
	c := newTestCache(t, cache.Config{})
	var calls atomic.Int32
	fp := cache.Compute("n1", "gpt-4", 1, 8192, 100, nil)

	_, _, err := c.GetOrBuild(context.Background(), fp, buildOnce(&calls, "x", "n1"))
	require.NoError(t, err)

	c.Purge()
	assert.Zero(t, c.Stats().Entries)
	assert.Zero(t, c.Stats().SizeBytes)
}
