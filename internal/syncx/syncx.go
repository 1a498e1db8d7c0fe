// Package syncx implements the runtime's cooperative synchronization
// primitives: a spinning lock with optional deadlock-on-suspend tracking,
// a wait-queue condition variable, and binary/counting semaphores built
// atop it. The condition variable and semaphores suspend fibers through the
// fiber package's own suspend/resume machinery (the spinlock only spins),
// so an external abort unblocks a waiter the
// same way it unblocks any other suspension point.
package syncx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jturney/Einsums-sub002/internal/errkind"
	"github.com/jturney/Einsums-sub002/internal/execution"
	"github.com/jturney/Einsums-sub002/internal/fiber"
	"github.com/jturney/Einsums-sub002/internal/rtlog"
)

// Locker is the minimal lock interface CondVar.Wait* releases before
// suspending and reacquires after waking, so both a plain mutex and a
// Spinlock (which needs ctx to track/untrack itself against the current
// fiber) can serve as a condition variable's external lock.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context)
}

var nextLockID atomic.Uint64

// deadlock-iteration thresholds (spinlock-deadlock-warning-limit /
// spinlock-deadlock-detection-limit config keys).
var (
	warnLimit   atomic.Int64
	detectLimit atomic.Int64
)

func init() {
	warnLimit.Store(1_000_000)
	detectLimit.Store(0) // 0 = detection disabled by default
}

// SetDeadlockLimits configures the spin-loop iteration counts at which a
// Spinlock.Lock first logs a warning and then (if detection > 0) returns a
// Deadlock error instead of spinning forever.
func SetDeadlockLimits(warning, detection int64) {
	warnLimit.Store(warning)
	detectLimit.Store(detection)
}

// Spinlock is a test-and-set lock with exponential spin backoff. When
// acquired from inside a fiber, it registers itself in that fiber's
// tracked-lock set so a later Suspend/Yield can refuse to suspend while
// the lock is held (DeadlockOnSuspend).
type Spinlock struct {
	id     uintptr
	name   string
	state  atomic.Bool
	ignore atomic.Bool
}

// NewSpinlock creates an unlocked spinlock identified by name in
// diagnostics.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{id: uintptr(nextLockID.Add(1)), name: name}
}

// SetIgnore marks this single lock as exempt from held-lock suspend
// checks; IgnoreAllHeldLocks is the bulk form.
func (s *Spinlock) SetIgnore(ignore bool) { s.ignore.Store(ignore) }

func spinBurst(k int) int {
	if k > 10 {
		return 1024
	}
	return 1 << uint(k)
}

// Lock spins until acquired, escalating the spin width per attempt. It
// logs a warning past warnLimit iterations and, if a nonzero detectLimit
// is configured, returns a Deadlock error past that many iterations
// instead of spinning forever.
func (s *Spinlock) Lock(ctx context.Context) error {
	var iterations int64
	k := 0
	warned := false
	for !s.state.CompareAndSwap(false, true) {
		execution.SpinK(spinBurst(k))
		if k < 30 {
			k++
		}
		iterations++
		if !warned && iterations >= warnLimit.Load() {
			warned = true
			rtlog.Warn("spinlock: possible deadlock", rtlog.F("lock", s.name), rtlog.F("iterations", iterations))
		}
		if dl := detectLimit.Load(); dl > 0 && iterations >= dl {
			return errkind.New(errkind.Deadlock,
				fmt.Sprintf("spinlock %q: deadlock detected after %d iterations", s.name, iterations))
		}
	}
	s.track(ctx)
	return nil
}

// TryLock attempts to acquire without spinning.
func (s *Spinlock) TryLock(ctx context.Context) bool {
	if !s.state.CompareAndSwap(false, true) {
		return false
	}
	s.track(ctx)
	return true
}

// Unlock releases the lock and untracks it from the current fiber, if any.
func (s *Spinlock) Unlock(ctx context.Context) {
	if f := execution.Current(ctx); f != nil {
		f.UntrackLock(s.id)
	}
	s.state.Store(false)
}

func (s *Spinlock) track(ctx context.Context) {
	if f := execution.Current(ctx); f != nil {
		f.TrackLock(s.id, s.name, s.ignore.Load())
	}
}

// IgnoreAllHeldLocks marks every lock the calling fiber currently holds
// as ignored by the next suspend check.
func IgnoreAllHeldLocks(ctx context.Context) {
	if f := execution.Current(ctx); f != nil {
		f.IgnoreAllHeldLocks()
	}
}

// muLocker adapts a plain *sync.Mutex to the Locker interface for internal
// use (e.g. by Semaphore), ignoring ctx since a plain mutex carries no
// fiber-lock tracking of its own.
type muLocker struct{ mu *sync.Mutex }

func (m muLocker) Lock(context.Context) error { m.mu.Lock(); return nil }
func (m muLocker) Unlock(context.Context)     { m.mu.Unlock() }

// waitEntry is one suspended waiter: a node holding a fiber handle,
// automatically removed from its queue on wake or timeout. The
// back-pointer to the queue is implicit (CondVar.remove searches its own
// slice) rather than a literal pointer field, since Go slices make that
// simpler than an intrusive linked list without losing the removed-
// exactly-once guarantee.
type waitEntry struct {
	fiber    *fiber.Fiber
	once     sync.Once
	timedOut atomic.Bool
}

// CondVar is a wait queue of suspended fibers with NotifyOne/NotifyAll/
// Wait/WaitUntil/WaitFor/AbortAll.
type CondVar struct {
	mu    sync.Mutex
	queue []*waitEntry
}

// NewCondVar creates an empty condition variable.
func NewCondVar() *CondVar { return &CondVar{} }

func (cv *CondVar) popFront() (*waitEntry, bool) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if len(cv.queue) == 0 {
		return nil, false
	}
	e := cv.queue[0]
	cv.queue = cv.queue[1:]
	return e, true
}

func (cv *CondVar) remove(target *waitEntry) bool {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	for i, e := range cv.queue {
		if e == target {
			cv.queue = append(cv.queue[:i], cv.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of fibers currently waiting (test/monitoring
// use).
func (cv *CondVar) Len() int {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return len(cv.queue)
}

// Wait atomically releases lock, enqueues the current fiber, and suspends
// it until a NotifyOne/NotifyAll/AbortAll wakes it; lock is reacquired
// before returning.
func (cv *CondVar) Wait(ctx context.Context, lock Locker, desc string) error {
	f := execution.Current(ctx)
	if f == nil {
		return errkind.New(errkind.BadLogic, "syncx: condvar wait requires a current fiber")
	}
	entry := &waitEntry{fiber: f}
	cv.mu.Lock()
	cv.queue = append(cv.queue, entry)
	cv.mu.Unlock()

	lock.Unlock(ctx)
	err := f.Suspend()
	cv.remove(entry) // no-op if NotifyOne/NotifyAll already popped it

	if lerr := lock.Lock(ctx); err == nil {
		err = lerr
	}
	return err
}

// WaitUntil is Wait bounded by a deadline; it additionally reports whether
// the wait woke due to timeout rather than a notify/abort.
func (cv *CondVar) WaitUntil(ctx context.Context, lock Locker, deadline time.Time, desc string) (timedOut bool, err error) {
	f := execution.Current(ctx)
	if f == nil {
		return false, errkind.New(errkind.BadLogic, "syncx: condvar wait requires a current fiber")
	}
	entry := &waitEntry{fiber: f}
	cv.mu.Lock()
	cv.queue = append(cv.queue, entry)
	cv.mu.Unlock()

	lock.Unlock(ctx)

	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, func() {
		if cv.remove(entry) {
			entry.timedOut.Store(true)
		}
		entry.once.Do(func() { f.Resume(false) })
	})
	err = f.Suspend()
	timer.Stop()
	cv.remove(entry) // ensures no dangling entry regardless of which path fired

	if lerr := lock.Lock(ctx); err == nil {
		err = lerr
	}
	return entry.timedOut.Load(), err
}

// WaitFor is WaitUntil(now + d).
func (cv *CondVar) WaitFor(ctx context.Context, lock Locker, d time.Duration, desc string) (bool, error) {
	return cv.WaitUntil(ctx, lock, time.Now().Add(d), desc)
}

// NotifyOne wakes the longest-waiting fiber, if any.
func (cv *CondVar) NotifyOne() {
	if e, ok := cv.popFront(); ok {
		e.once.Do(func() { e.fiber.Resume(false) })
	}
}

// NotifyAll wakes every waiting fiber.
func (cv *CondVar) NotifyAll() {
	for {
		e, ok := cv.popFront()
		if !ok {
			return
		}
		e.once.Do(func() { e.fiber.Resume(false) })
	}
}

// AbortAll drains the queue and resumes every waiter with abort=true,
// causing each to observe a YieldAborted error from its Wait* call.
func (cv *CondVar) AbortAll() {
	for {
		e, ok := cv.popFront()
		if !ok {
			return
		}
		e.once.Do(func() { e.fiber.Resume(true) })
	}
}

// CondVarData is a reference-counted wrapper around a CondVar so external
// holders can keep it alive past the lifetime of whatever object logically
// owns it. Go's GC already reclaims the CondVar once unreferenced; the
// counter exists so callers can observe whether anyone else still holds a
// reference, not to drive manual deallocation.
type CondVarData struct {
	cv   *CondVar
	refs atomic.Int32
}

// NewCondVarData creates a CondVarData with one outstanding reference.
func NewCondVarData() *CondVarData {
	d := &CondVarData{cv: NewCondVar()}
	d.refs.Store(1)
	return d
}

// Retain increments the reference count and returns d for chaining.
func (d *CondVarData) Retain() *CondVarData {
	d.refs.Add(1)
	return d
}

// Release decrements the reference count.
func (d *CondVarData) Release() { d.refs.Add(-1) }

// Refs reports the current reference count.
func (d *CondVarData) Refs() int32 { return d.refs.Load() }

// CondVar returns the wrapped condition variable.
func (d *CondVarData) CondVar() *CondVar { return d.cv }

// Semaphore is a counting semaphore built on a CondVar; initial count 1
// with Acquire/Release gives binary-semaphore semantics.
type Semaphore struct {
	mu    sync.Mutex
	count int
	cv    *CondVar
}

// NewSemaphore creates a counting semaphore starting at initial permits.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial, cv: NewCondVar()}
}

// NewBinarySemaphore creates a semaphore with at most one permit.
func NewBinarySemaphore(locked bool) *Semaphore {
	if locked {
		return NewSemaphore(0)
	}
	return NewSemaphore(1)
}

// Acquire blocks the calling fiber until a permit is available, then takes
// it.
func (s *Semaphore) Acquire(ctx context.Context) error {
	lk := muLocker{&s.mu}
	if err := lk.Lock(ctx); err != nil {
		return err
	}
	defer lk.Unlock(ctx)
	for s.count == 0 {
		if err := s.cv.Wait(ctx, lk, "semaphore-acquire"); err != nil {
			return err
		}
	}
	s.count--
	return nil
}

// TryAcquire takes a permit without blocking, reporting whether one was
// available.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Release returns a permit and wakes one waiter.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cv.NotifyOne()
}

// Count reports the current available permit count (monitoring/test use).
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
