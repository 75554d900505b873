package querycache

import (
	"context"
	"reflect"

	"github.com/docline/docline-go/internal/apiclient"
)

// Mutation is a side-effecting operation against the backend, with optional
// optimistic cache rewrites. The lifecycle is an explicit state machine:
// Optimistic runs synchronously before Run is issued (subscribers observe
// the optimistic state first), a failed Run rolls the snapshot back before
// the error surfaces, and a successful Run reconciles the cache with the
// server response, where the server value wins over the optimistic guess.
type Mutation struct {
	// Run performs the backend call. Required.
	Run func(ctx context.Context) (any, error)
	// Optimistic rewrites cache entries to the anticipated post-mutation
	// state. Every entry it touches is snapshotted for rollback.
	Optimistic func(tx *Txn)
	// Reconcile merges the authoritative server response into the cache.
	Reconcile func(tx *Txn, result any)
	// Invalidates lists key prefixes marked stale after a successful Run.
	Invalidates []Key
}

// MutationContext carries the optimistic snapshot from the apply step to the
// rollback step.
type MutationContext struct {
	snapshot map[Key]entrySnapshot
}

type entrySnapshot struct {
	present bool
	entry   entry
}

// Txn is a cache write handle scoped to one mutation step. It runs entirely
// under the store lock, so the snapshot it accumulates is atomic with
// respect to interleaved reads. Update callbacks receive a copy whose
// top-level containers are reallocated, so mutating the argument in place
// cannot reach the rollback snapshot, which keeps the previous value by
// reference.
type Txn struct {
	store   *Store
	mctx    *MutationContext
	touched []Key
}

// Get returns the cached value for key, if any.
func (tx *Txn) Get(key Key) (any, bool) {
	e, ok := tx.store.entries[key]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// Set writes value under key, creating the entry if needed.
func (tx *Txn) Set(key Key, value any) {
	tx.snapshot(key)
	e, ok := tx.store.entries[key]
	if !ok {
		e = &entry{staleTime: defaultStaleTime, cacheTime: defaultCacheTime}
		tx.store.entries[key] = e
	}
	e.value = value
	e.hasValue = true
	e.err = nil
	e.status = StatusSuccess
	e.invalid = false
	e.updatedAt = tx.store.now()
	tx.touched = append(tx.touched, key)
}

// Update rewrites the value under key. Entries without a value are left
// alone: there is nothing to speculate over.
func (tx *Txn) Update(key Key, fn func(value any) any) {
	e, ok := tx.store.entries[key]
	if !ok || !e.hasValue {
		return
	}
	tx.snapshot(key)
	e.value = fn(cloneValue(e.value))
	e.updatedAt = tx.store.now()
	tx.touched = append(tx.touched, key)
}

// UpdatePrefix rewrites every valued entry under prefix. This is how an
// optimistic appointment-status change reaches every cached list that may
// contain the appointment.
func (tx *Txn) UpdatePrefix(prefix Key, fn func(key Key, value any) any) {
	for key, e := range tx.store.entries {
		if !key.Matches(prefix) || !e.hasValue {
			continue
		}
		tx.snapshot(key)
		e.value = fn(key, cloneValue(e.value))
		e.updatedAt = tx.store.now()
		tx.touched = append(tx.touched, key)
	}
}

// cloneValue copies v with its top-level containers reallocated: slices and
// maps, including ones sitting in exported struct fields. The snapshot holds
// the previous value by reference, so the callback gets a copy it may mutate
// freely. Deeper aliasing (pointers, nested containers inside elements) is
// not chased; the cached entity shapes are plain values.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out
	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		for i := 0; i < out.NumField(); i++ {
			f := out.Field(i)
			if !f.CanSet() {
				continue
			}
			if f.Kind() == reflect.Slice || f.Kind() == reflect.Map {
				f.Set(cloneReflect(f))
			}
		}
		return out
	default:
		return rv
	}
}

func (tx *Txn) snapshot(key Key) {
	if tx.mctx == nil {
		return
	}
	if _, done := tx.mctx.snapshot[key]; done {
		return
	}
	e, ok := tx.store.entries[key]
	if !ok {
		tx.mctx.snapshot[key] = entrySnapshot{present: false}
		return
	}
	tx.mctx.snapshot[key] = entrySnapshot{present: true, entry: *e}
}

// Mutate executes m. Network and server-fault failures are retried once;
// client-mistake failures (4xx, auth, validation) propagate immediately.
// On failure the optimistic snapshot is restored verbatim before the error
// is returned, so no caller ever observes a dangling optimistic state.
func (s *Store) Mutate(ctx context.Context, m Mutation) (any, error) {
	var mctx *MutationContext
	if m.Optimistic != nil {
		mctx = &MutationContext{snapshot: make(map[Key]entrySnapshot)}
		s.apply(m.Optimistic, mctx)
	}

	result, err := s.runMutation(ctx, m.Run)
	if err != nil {
		if mctx != nil {
			s.rollback(mctx)
			s.metrics.ObserveRollback()
			s.logger.Warn("mutation rolled back", "error", err)
		}
		return nil, err
	}

	if m.Reconcile != nil {
		s.apply(func(tx *Txn) { m.Reconcile(tx, result) }, nil)
	}
	for _, prefix := range m.Invalidates {
		s.Invalidate(prefix)
	}
	return result, nil
}

// Seed writes a value directly, outside any network mutation. Its single
// caller is the session store, which seeds the current-user entry on login.
func (s *Store) Seed(key Key, value any) {
	s.apply(func(tx *Txn) { tx.Set(key, value) }, nil)
}

func (s *Store) apply(fn func(tx *Txn), mctx *MutationContext) {
	tx := &Txn{store: s, mctx: mctx}
	s.mu.Lock()
	fn(tx)
	s.mu.Unlock()
	s.notify(tx.touched...)
}

func (s *Store) rollback(mctx *MutationContext) {
	var touched []Key
	s.mu.Lock()
	for key, snap := range mctx.snapshot {
		if !snap.present {
			delete(s.entries, key)
			touched = append(touched, key)
			continue
		}
		restored := snap.entry
		if current, ok := s.entries[key]; ok {
			// A fetch that started after the optimistic apply keeps running;
			// its completion will overwrite the rolled-back value with
			// server truth, which is the desired end state anyway.
			restored.flight = current.flight
		}
		s.entries[key] = &restored
		touched = append(touched, key)
	}
	s.mu.Unlock()
	s.notify(touched...)
}

func (s *Store) runMutation(ctx context.Context, run func(ctx context.Context) (any, error)) (any, error) {
	var result any
	var err error
	for attempt := 0; ; attempt++ {
		result, err = run(ctx)
		if err == nil {
			return result, nil
		}
		if !apiclient.Retryable(err) || attempt >= s.mutationRetries {
			return nil, err
		}
		s.metrics.ObserveRetry()
		s.logger.Warn("mutation retry", "attempt", attempt+1, "error", err)
		if !s.sleep(ctx, attempt) {
			return nil, err
		}
	}
}
