// Package config implements the runtime's observable configuration store:
// four independent, case- and dash/underscore-insensitive maps (string,
// int64, float64, bool) with change observers that never run while a
// map's lock is held. Each map sits on a lock-free hash map
// (internal/runtime/concurrency) for O(1) reads, wrapped in a mutex that
// serializes writers and batches observer dispatch until after unlock.
package config

import (
	"strings"
	"sync"

	"github.com/jturney/Einsums-sub002/internal/runtime/concurrency"
)

// normalize upper-cases a key and folds '-' to '_' so "BUFFER-SIZE" and
// "buffer_size" compare equal.
func normalize(key string) string {
	key = strings.ToUpper(key)
	return strings.ReplaceAll(key, "-", "_")
}

// Observer is invoked with the normalized key and the map's full snapshot
// after a mutation is committed and the map's lock has been released.
type Observer[T any] func(key string, value T, snapshot map[string]T)

// Map is a single type-segregated configuration map.
type Map[T any] struct {
	mu        sync.Mutex
	store     *concurrency.LockFreeMap[string, T]
	observers map[string][]Observer[T] // keyed by normalized key; "" = all-keys observer
}

// NewMap creates an empty configuration map for scalar type T.
func NewMap[T any]() *Map[T] {
	return &Map[T]{
		store:     concurrency.NewStringLockFreeMap[T](64),
		observers: make(map[string][]Observer[T]),
	}
}

// Get returns the value stored under key (read is lock-free).
func (m *Map[T]) Get(key string) (T, bool) {
	return m.store.Load(normalize(key))
}

// Set stores value under key, then — after releasing the map's lock —
// invokes every observer registered for that key plus every all-keys
// observer, each with a snapshot taken after the write.
func (m *Map[T]) Set(key string, value T) {
	nk := normalize(key)

	m.mu.Lock()
	m.store.Store(nk, value)
	pending := m.collectObservers(nk)
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	snap := m.Snapshot()
	for _, obs := range pending {
		obs(nk, value, snap)
	}
}

// collectObservers must be called with m.mu held; it returns the observers
// that should fire for a write to key, without invoking them.
func (m *Map[T]) collectObservers(key string) []Observer[T] {
	var out []Observer[T]
	out = append(out, m.observers[key]...)
	if key != "" {
		out = append(out, m.observers[""]...)
	}
	return out
}

// Observe registers obs to fire whenever key is written. An empty key
// registers an all-keys observer (fires on every Set, matching "a
// multi-typed observer" attached to a whole map).
func (m *Map[T]) Observe(key string, obs Observer[T]) {
	nk := ""
	if key != "" {
		nk = normalize(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[nk] = append(m.observers[nk], obs)
}

// Snapshot returns a point-in-time copy of the whole map.
func (m *Map[T]) Snapshot() map[string]T {
	out := make(map[string]T, m.store.Len())
	m.store.Range(func(k string, v T) bool {
		out[k] = v
		return true
	})
	return out
}

// Len reports the map's current key count, for diagnostics (e.g. reporting
// config-store size alongside the scheduler's own queue-depth metrics).
func (m *Map[T]) Len() int64 { return m.store.Len() }

// TryLock attempts to acquire the map's write lock without blocking, for use
// by Store.TryLockAll's all-or-nothing multi-map update.
func (m *Map[T]) TryLock() bool { return m.mu.TryLock() }

// Unlock releases a lock acquired via TryLock or Lock.
func (m *Map[T]) Unlock() { m.mu.Unlock() }

// Lock acquires the map's write lock, blocking until available.
func (m *Map[T]) Lock() { m.mu.Lock() }

// Store bundles the four type-segregated configuration maps the runtime
// exposes: strings, integers, floats and booleans.
type Store struct {
	Strings *Map[string]
	Ints    *Map[int64]
	Floats  *Map[float64]
	Bools   *Map[bool]
}

// NewStore creates an empty, ready-to-use configuration store.
func NewStore() *Store {
	return &Store{
		Strings: NewMap[string](),
		Ints:    NewMap[int64](),
		Floats:  NewMap[float64](),
		Bools:   NewMap[bool](),
	}
}

// TryLockAll attempts to lock all four maps without blocking. On success it
// returns true and the caller must call UnlockAll when done. On failure, any
// maps it did manage to lock are released before returning false, so a
// caller never needs special-case cleanup.
func (s *Store) TryLockAll() bool {
	locked := make([]interface{ Unlock() }, 0, 4)
	ok := true
	for _, l := range []interface{ TryLock() bool }{s.Strings, s.Ints, s.Floats, s.Bools} {
		if !l.TryLock() {
			ok = false
			break
		}
		locked = append(locked, l.(interface{ Unlock() }))
	}
	if !ok {
		for _, l := range locked {
			l.Unlock()
		}
		return false
	}
	return true
}

// UnlockAll releases all four maps' locks after a successful TryLockAll.
func (s *Store) UnlockAll() {
	s.Strings.Unlock()
	s.Ints.Unlock()
	s.Floats.Unlock()
	s.Bools.Unlock()
}
