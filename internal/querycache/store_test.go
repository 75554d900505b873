package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docline/docline-go/internal/apiclient"
)

// fakeClock lets tests move staleness windows deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	cfg := Config{RetryBase: time.Millisecond}
	if clock != nil {
		cfg.Now = clock.Now
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	return s
}

func TestReadColdFetches(t *testing.T) {
	s := newTestStore(t, nil)

	v, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) {
		return "list-v1", nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "list-v1", v)
}

func TestReadFreshSkipsNetwork(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "v1", nil
	}

	_, err := s.Read(context.Background(), "doctors", fetch, Options{StaleTime: time.Hour})
	require.NoError(t, err)
	_, err = s.Read(context.Background(), "doctors", fetch, Options{StaleTime: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "fresh read must not hit the network")
}

// Concurrent reads for one key share exactly one underlying fetch.
func TestReadDeduplicatesConcurrentFetches(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const readers = 10
	results := make([]any, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Read(context.Background(), "doctors", fetch, Options{})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every reader a chance to join the in-flight fetch.
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < readers; i++ {
		assert.Equal(t, "shared", results[i], "all callers observe the same resolved value")
	}
}

func TestReadStaleServesPlaceholderWhileRevalidating(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	version := atomic.Int32{}
	fetched := make(chan struct{}, 2)
	fetch := func(ctx context.Context) (any, error) {
		fetched <- struct{}{}
		return int(version.Add(1)), nil
	}
	opts := Options{StaleTime: time.Minute, CacheTime: time.Hour}

	v, err := s.Read(context.Background(), "appointments", fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	<-fetched

	clock.Advance(2 * time.Minute)

	// Stale: previous value returned immediately, refresh happens behind it.
	v, err = s.Read(context.Background(), "appointments", fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "stale value is still servable")

	<-fetched
	assert.Eventually(t, func() bool {
		v, _, ok := s.Peek("appointments")
		return ok && v == 2
	}, time.Second, time.Millisecond)
}

func TestReadErrorRetainsPreviousValue(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	fail := atomic.Bool{}
	fetch := func(ctx context.Context) (any, error) {
		if fail.Load() {
			return nil, &apiclient.APIError{Status: 404, Message: "gone"}
		}
		return "good", nil
	}
	opts := Options{StaleTime: time.Minute}

	_, err := s.Read(context.Background(), "doctors/d1", fetch, opts)
	require.NoError(t, err)

	fail.Store(true)
	clock.Advance(2 * time.Minute)

	v, err := s.Read(context.Background(), "doctors/d1", fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, "good", v)

	assert.Eventually(t, func() bool {
		_, status, _ := s.Peek("doctors/d1")
		return status == StatusError
	}, time.Second, time.Millisecond)

	v, _, ok := s.Peek("doctors/d1")
	assert.True(t, ok)
	assert.Equal(t, "good", v, "failed refetch keeps the last good value")
}

// A 404 is the caller's mistake: the fetcher runs exactly once.
func TestReadDoesNotRetryClientErrors(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32

	_, err := s.Read(context.Background(), "doctors/missing", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, &apiclient.APIError{Status: 404, Message: "not found"}
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

// A persistent 500 is retried three times: four invocations total.
func TestReadRetriesServerFaultsWithBackoff(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32

	_, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, &apiclient.APIError{Status: 500, Message: "boom"}
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

// Rate limiting is a 4xx verdict like any other: one invocation, no retries.
func TestReadDoesNotRetryRateLimits(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32

	_, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, &apiclient.APIError{Status: 429, Message: "slow down"}
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

// A request timeout surfaces as a network failure and keeps its retries.
func TestReadRetriesRequestTimeouts(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32

	_, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, &apiclient.NetworkError{Err: context.DeadlineExceeded}
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestReadDoesNotRetryAuthErrors(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32

	_, err := s.Read(context.Background(), "appointments", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, &apiclient.AuthenticationError{APIError: apiclient.APIError{Status: 401}}
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReadRecoversOnRetry(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32

	v, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, &apiclient.NetworkError{Err: errors.New("refused")}
		}
		return "recovered", nil
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvalidateMarksStaleWithoutEvicting(t *testing.T) {
	s := newTestStore(t, nil)
	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}
	opts := Options{StaleTime: time.Hour, CacheTime: time.Hour}

	_, err := s.Read(context.Background(), NewKey("appointments", map[string]any{"patient_id": "p1"}), fetch, opts)
	require.NoError(t, err)
	_, err = s.Read(context.Background(), "doctors", fetch, opts)
	require.NoError(t, err)

	s.Invalidate("appointments")

	// Invalidated entry still holds data.
	v, _, ok := s.Peek("appointments?patient_id=p1")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// Next read refetches it, but leaves the untouched resource alone.
	v, err = s.Read(context.Background(), "appointments?patient_id=p1", fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "placeholder while revalidating")
	assert.Eventually(t, func() bool {
		v, _, _ := s.Peek("appointments?patient_id=p1")
		return v == 3
	}, time.Second, time.Millisecond)

	v, err = s.Read(context.Background(), "doctors", fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "unrelated key stays fresh")
}

func TestClearDropsEverything(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) { return "v", nil }, Options{})
	require.NoError(t, err)

	s.Clear()

	_, _, ok := s.Peek("doctors")
	assert.False(t, ok)
}

func TestSweepEvictsExpiredUnsubscribedEntries(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	fetch := func(ctx context.Context) (any, error) { return "v", nil }
	opts := Options{StaleTime: time.Minute, CacheTime: 5 * time.Minute}

	_, err := s.Read(context.Background(), "doctors", fetch, opts)
	require.NoError(t, err)
	_, err = s.Read(context.Background(), "appointments", fetch, opts)
	require.NoError(t, err)

	sub := s.Subscribe("appointments")
	defer sub.Close()

	clock.Advance(10 * time.Minute)
	s.Sweep()

	_, _, ok := s.Peek("doctors")
	assert.False(t, ok, "expired unsubscribed entry is evicted")
	_, _, ok = s.Peek("appointments")
	assert.True(t, ok, "subscribed entry survives its cache-time")

	sub.Close()
	s.Sweep()
	_, _, ok = s.Peek("appointments")
	assert.False(t, ok, "closing the subscription releases the entry")
}

func TestSweepKeepsUnexpiredEntries(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	_, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) { return "v", nil },
		Options{StaleTime: time.Minute, CacheTime: time.Hour})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	s.Sweep()

	_, _, ok := s.Peek("doctors")
	assert.True(t, ok)
}

func TestSubscriberNotifiedOnFetchCompletion(t *testing.T) {
	s := newTestStore(t, nil)
	sub := s.Subscribe("doctors")
	defer sub.Close()

	_, err := s.Read(context.Background(), "doctors?page=1", func(ctx context.Context) (any, error) { return "v", nil }, Options{})
	require.NoError(t, err)

	select {
	case key := <-sub.C:
		assert.Equal(t, Key("doctors?page=1"), key)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestReadAfterCloseDoesNotHang(t *testing.T) {
	s := New(Config{RetryBase: time.Millisecond})
	block := make(chan struct{})
	defer close(block)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background(), "doctors", func(ctx context.Context) (any, error) {
			<-block
			return nil, errors.New("late")
		}, Options{})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader stuck after store close")
	}
}
