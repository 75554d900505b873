// Package querycache manages keyed, shared asynchronous results for the
// client data layer: staleness-aware reads with request de-duplication and
// background refresh, optimistic mutations with snapshot rollback, and
// prefix invalidation. All cache writes go through Read, Mutate and
// Invalidate; no caller touches entries directly.
package querycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/docline/docline-go/internal/apiclient"
	"github.com/docline/docline-go/internal/observability/metrics"
	"github.com/docline/docline-go/pkg/logging"
)

// Status is the fetch state of a cache entry.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrClosed is returned by reads that were still waiting when the store
// shut down.
var ErrClosed = errors.New("querycache: store closed")

const (
	defaultStaleTime  = time.Minute
	defaultCacheTime  = 30 * time.Minute
	defaultMaxRetries = 3
	defaultRetryBase  = 250 * time.Millisecond
)

// FetchFunc loads the authoritative value for a key from the backend.
type FetchFunc func(ctx context.Context) (any, error)

// Options tune staleness per read. Zero fields fall back to the store
// defaults.
type Options struct {
	// StaleTime is how long a successful value is served without refetching.
	StaleTime time.Duration
	// CacheTime is how long an unsubscribed entry survives before the
	// garbage collector evicts it. It should outlive StaleTime.
	CacheTime time.Duration
}

// Config controls store-wide behavior.
type Config struct {
	Logger *logging.Logger
	// Metrics may be nil.
	Metrics *metrics.CacheMetrics
	// MaxRetries bounds fetch retries for retryable failures. Default 3.
	MaxRetries int
	// MutationRetries bounds mutation retries. Default 1.
	MutationRetries int
	// RetryBase is the backoff base delay, doubled per attempt. Default 250ms.
	RetryBase time.Duration
	// GCInterval is how often unsubscribed expired entries are swept.
	// Zero disables the background sweeper (sweeps can still be run
	// manually via Sweep).
	GCInterval time.Duration
	// Now is the clock, injectable for tests. Default time.Now.
	Now func() time.Time
}

type flight struct {
	done  chan struct{}
	value any
	err   error
}

type entry struct {
	value     any
	hasValue  bool
	err       error
	status    Status
	updatedAt time.Time
	staleTime time.Duration
	cacheTime time.Duration
	invalid   bool
	flight    *flight
}

func (e *entry) fresh(now time.Time) bool {
	return e.hasValue && !e.invalid && e.status == StatusSuccess && now.Sub(e.updatedAt) < e.staleTime
}

func (e *entry) expired(now time.Time) bool {
	return e.flight == nil && now.Sub(e.updatedAt) > e.cacheTime
}

// Subscription observes changes to keys under a prefix. Keys arrive on C;
// slow consumers lose notifications rather than blocking the cache.
type Subscription struct {
	C chan Key

	store  *Store
	prefix Key
	id     int
}

// Close deregisters the subscription. Entries it was keeping alive become
// eligible for garbage collection.
func (sub *Subscription) Close() {
	sub.store.mu.Lock()
	delete(sub.store.subs, sub.id)
	sub.store.mu.Unlock()
}

// Store is the process-wide query cache. One instance is constructed per
// session and passed explicitly; there is no package-level singleton.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry
	subs    map[int]*Subscription
	nextSub int

	logger          *logging.Logger
	metrics         *metrics.CacheMetrics
	maxRetries      int
	mutationRetries int
	retryBase       time.Duration
	now             func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Store and, when cfg.GCInterval is set, starts its garbage
// collector. Call Close when done.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	mutationRetries := cfg.MutationRetries
	if mutationRetries <= 0 {
		mutationRetries = 1
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		entries:         make(map[Key]*entry),
		subs:            make(map[int]*Subscription),
		logger:          logger.Component("querycache"),
		metrics:         cfg.Metrics,
		maxRetries:      maxRetries,
		mutationRetries: mutationRetries,
		retryBase:       retryBase,
		now:             now,
		closed:          make(chan struct{}),
	}
	if cfg.GCInterval > 0 {
		go s.gcLoop(cfg.GCInterval)
	}
	return s
}

// Close stops the garbage collector and releases waiting readers.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Read returns the value for key, fetching through fetch when the cached
// value is stale or absent. Concurrent reads for the same key share one
// underlying fetch. A stale value is returned immediately while the refresh
// resolves in the background (stale-while-revalidate); only a cold read
// blocks on the network.
func (s *Store) Read(ctx context.Context, key Key, fetch FetchFunc, opts Options) (any, error) {
	staleTime := opts.StaleTime
	if staleTime <= 0 {
		staleTime = defaultStaleTime
	}
	cacheTime := opts.CacheTime
	if cacheTime <= 0 {
		cacheTime = defaultCacheTime
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{status: StatusIdle, updatedAt: s.now()}
		s.entries[key] = e
	}
	e.staleTime = staleTime
	e.cacheTime = cacheTime

	if e.fresh(s.now()) {
		value := e.value
		s.mu.Unlock()
		s.metrics.ObserveRead("fresh")
		return value, nil
	}

	f := e.flight
	if f == nil {
		f = &flight{done: make(chan struct{})}
		e.flight = f
		e.status = StatusPending
		// The fetch outlives any single caller: later readers join it and a
		// caller walking away must not cancel it for everyone else.
		go s.runFetch(context.WithoutCancel(ctx), key, f, fetch)
	} else {
		s.metrics.ObserveRead("dedup")
	}

	if e.hasValue {
		// Placeholder semantics: serve the last good value now, let the
		// refresh land in the background.
		value := e.value
		s.mu.Unlock()
		s.metrics.ObserveRead("stale")
		return value, nil
	}
	s.mu.Unlock()
	s.metrics.ObserveRead("miss")

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Peek returns the cached value and status for key without touching the
// network or the staleness clock.
func (s *Store) Peek(key Key) (any, Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, StatusIdle, false
	}
	return e.value, e.status, e.hasValue
}

// Invalidate marks every entry under prefix as stale. Subscribed readers
// refetch on their next Read; the data itself stays servable until its
// cache-time expires.
func (s *Store) Invalidate(prefix Key) {
	s.mu.Lock()
	var touched []Key
	for key, e := range s.entries {
		if !key.Matches(prefix) {
			continue
		}
		// Stale, not evicted: the GC deadline is untouched.
		e.invalid = true
		touched = append(touched, key)
	}
	s.mu.Unlock()
	s.notify(touched...)
}

// InvalidateAll marks the whole cache stale.
func (s *Store) InvalidateAll() {
	s.Invalidate("")
}

// Clear drops every entry. Used on logout, where even stale data must not
// survive the session.
func (s *Store) Clear() {
	s.mu.Lock()
	var touched []Key
	for key := range s.entries {
		touched = append(touched, key)
	}
	s.entries = make(map[Key]*entry)
	s.mu.Unlock()
	s.notify(touched...)
}

// Subscribe registers interest in keys under prefix. Subscribed entries are
// exempt from garbage collection until the subscription closes.
func (s *Store) Subscribe(prefix Key) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	sub := &Subscription{
		C:      make(chan Key, 16),
		store:  s,
		prefix: prefix,
		id:     s.nextSub,
	}
	s.subs[sub.id] = sub
	return sub
}

// Sweep evicts expired entries that no subscription is keeping alive.
// It runs on the GC interval and is exported for deterministic tests.
func (s *Store) Sweep() {
	now := s.now()
	s.mu.Lock()
	for key, e := range s.entries {
		if !e.expired(now) || s.subscribedLocked(key) {
			continue
		}
		delete(s.entries, key)
		s.metrics.ObserveEviction()
	}
	s.mu.Unlock()
}

func (s *Store) runFetch(ctx context.Context, key Key, f *flight, fetch FetchFunc) {
	var value any
	var err error
	for attempt := 0; ; attempt++ {
		value, err = fetch(ctx)
		if err == nil {
			break
		}
		if !apiclient.Retryable(err) || attempt >= s.maxRetries {
			break
		}
		s.metrics.ObserveRetry()
		s.logger.Warn("fetch retry", "key", key, "attempt", attempt+1, "error", err)
		if !s.sleep(ctx, attempt) {
			break
		}
	}
	s.complete(key, f, value, err)
}

func (s *Store) complete(key Key, f *flight, value any, err error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e.flight == f {
		e.flight = nil
		e.updatedAt = s.now()
		if err == nil {
			e.value = value
			e.hasValue = true
			e.err = nil
			e.status = StatusSuccess
			e.invalid = false
		} else {
			// Last good value stays servable.
			e.err = err
			e.status = StatusError
		}
	}
	s.mu.Unlock()

	if err == nil {
		s.metrics.ObserveFetch("success")
	} else {
		s.metrics.ObserveFetch("error")
		s.logger.Error("fetch failed", "key", key, "error", err)
	}

	f.value = value
	f.err = err
	close(f.done)
	s.notify(key)
}

// sleep waits out the exponential backoff. Returns false if the store closed
// or the context ended first.
func (s *Store) sleep(ctx context.Context, attempt int) bool {
	delay := s.retryBase * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

func (s *Store) notify(keys ...Key) {
	if len(keys) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		for _, key := range keys {
			if !key.Matches(sub.prefix) {
				continue
			}
			select {
			case sub.C <- key:
			default:
			}
		}
	}
}

func (s *Store) subscribedLocked(key Key) bool {
	for _, sub := range s.subs {
		if key.Matches(sub.prefix) {
			return true
		}
	}
	return false
}

func (s *Store) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.closed:
			return
		}
	}
}
