// Package execution is the current-fiber facade: Yield/YieldK/SpinK/
// Suspend, registry-based Resume and Interrupt by fiber id, SleepUntil/
// SleepFor, and the YieldWhile helpers.
//
// Idiomatic Go has no thread-local storage, so the current fiber is
// carried explicitly via context.Context down whatever call chain the
// fiber's body runs.
package execution

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jturney/Einsums-sub002/internal/errkind"
	"github.com/jturney/Einsums-sub002/internal/fiber"
)

type fiberKey struct{}

// WithFiber returns a context carrying f as the current fiber, to be passed
// down into user code invoked from inside f's goroutine.
func WithFiber(ctx context.Context, f *fiber.Fiber) context.Context {
	return context.WithValue(ctx, fiberKey{}, f)
}

// Current returns the fiber carried by ctx, or nil if none.
func Current(ctx context.Context) *fiber.Fiber {
	f, _ := ctx.Value(fiberKey{}).(*fiber.Fiber)
	return f
}

func currentOrErr(ctx context.Context) (*fiber.Fiber, error) {
	f := Current(ctx)
	if f == nil {
		return nil, errkind.New(errkind.BadLogic, "execution: no current fiber in context")
	}
	return f, nil
}

// Yield suspends the running fiber with reason "pending", returning
// control to the worker.
func Yield(ctx context.Context, desc string) error {
	f, err := currentOrErr(ctx)
	if err != nil {
		return err
	}
	return f.Yield()
}

// Suspend suspends the running fiber with reason "suspended", until an
// explicit Resume.
func Suspend(ctx context.Context, desc string) error {
	f, err := currentOrErr(ctx)
	if err != nil {
		return err
	}
	return f.Suspend()
}

// Thresholds separating YieldK's three regimes: below spinThreshold,
// relax in place; below sleepThreshold, perform a real yield through the
// scheduler; at or above it, sleep briefly.
const (
	spinThreshold  = 16
	sleepThreshold = 256
)

// stoppable is the timer handle armTimer returns; Stop cancels an
// un-fired timer and reports whether it was still pending.
type stoppable interface {
	Stop() bool
}

// timeNow and armTimer are the clock SleepUntil/SleepFor and the
// YieldWhileTimeout deadline check consult; tests substitute a manually
// advanced fake so timeout paths need no wall-clock sleeps.
var (
	timeNow  = time.Now
	armTimer = func(d time.Duration, fn func()) stoppable { return time.AfterFunc(d, fn) }
)

// SpinK issues k CPU relax hints without suspending the fiber.
func SpinK(k int) {
	for i := 0; i < k; i++ {
		runtime.Gosched()
	}
}

// YieldK performs a spin hint for small k, a bare Yield for intermediate
// k, and a 1µs sleep for large k.
func YieldK(ctx context.Context, k int, desc string) error {
	switch {
	case k < spinThreshold:
		SpinK(k)
		return nil
	case k < sleepThreshold:
		return Yield(ctx, desc)
	default:
		time.Sleep(time.Microsecond)
		return nil
	}
}

// YieldWhile yields once per loop iteration while pred holds.
func YieldWhile(ctx context.Context, pred func() bool, desc string) error {
	for pred() {
		if err := Yield(ctx, desc); err != nil {
			return err
		}
	}
	return nil
}

// YieldWhileTimeout is YieldWhile bounded by a deadline; it returns false if
// the deadline passes before pred becomes false.
func YieldWhileTimeout(ctx context.Context, pred func() bool, deadline time.Time, desc string) (bool, error) {
	for pred() {
		if !timeNow().Before(deadline) {
			return false, nil
		}
		if err := Yield(ctx, desc); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Registry maps thread-id (fiber.ID()) to the fiber itself (for Interrupt)
// and, transiently, to a guarded resume closure installed by SleepUntil so
// an external Resume and a firing timer race safely.
type Registry struct {
	mu       sync.Mutex
	fibers   map[uint64]*fiber.Fiber
	resumers map[uint64]func(bool)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fibers:   make(map[uint64]*fiber.Fiber),
		resumers: make(map[uint64]func(bool)),
	}
}

// RegisterFiber makes f resumable/interruptible by id; callers register
// the fibers they want to address that way.
func (r *Registry) RegisterFiber(f *fiber.Fiber) {
	r.mu.Lock()
	r.fibers[f.ID()] = f
	r.mu.Unlock()
}

// UnregisterFiber removes a fiber once it has exited.
func (r *Registry) UnregisterFiber(f *fiber.Fiber) {
	r.mu.Lock()
	delete(r.fibers, f.ID())
	r.mu.Unlock()
}

// Interrupt requests that the fiber with the given id throw
// ThreadInterrupted at its next yield point.
func (r *Registry) Interrupt(id uint64) error {
	r.mu.Lock()
	f, ok := r.fibers[id]
	r.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NullThreadID, fmt.Sprintf("execution: no fiber registered with id %d", id))
	}
	f.Interrupt()
	return nil
}

// Resume readies the fiber with the given id, delivering abort at its
// suspension point. If a sleep's guarded resumer is installed for id, it
// takes priority so the resume-vs-timeout race resolves to whichever
// fires first.
func (r *Registry) Resume(id uint64, abort bool) error {
	r.mu.Lock()
	fn, ok := r.resumers[id]
	r.mu.Unlock()
	if ok {
		fn(abort)
		return nil
	}
	r.mu.Lock()
	f, ok := r.fibers[id]
	r.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NullThreadID, fmt.Sprintf("execution: no fiber registered with id %d", id))
	}
	f.Resume(abort)
	return nil
}

func (r *Registry) registerResumer(id uint64, fn func(bool)) {
	r.mu.Lock()
	r.resumers[id] = fn
	r.mu.Unlock()
}

func (r *Registry) unregisterResumer(id uint64) {
	r.mu.Lock()
	delete(r.resumers, id)
	r.mu.Unlock()
}

// SleepUntil schedules a timer that, on expiry, resumes the calling fiber;
// an external Resume(id, abort) delivered first wins over the in-flight
// timeout and the timer becomes a no-op.
func SleepUntil(ctx context.Context, reg *Registry, tp time.Time) error {
	f, err := currentOrErr(ctx)
	if err != nil {
		return err
	}

	var once sync.Once
	fire := func(abort bool) { once.Do(func() { f.Resume(abort) }) }
	reg.registerResumer(f.ID(), fire)
	defer reg.unregisterResumer(f.ID())

	d := tp.Sub(timeNow())
	if d < 0 {
		d = 0
	}
	timer := armTimer(d, func() { fire(false) })
	err = f.Suspend()
	timer.Stop()
	return err
}

// SleepFor is SleepUntil(now + d).
func SleepFor(ctx context.Context, reg *Registry, d time.Duration) error {
	return SleepUntil(ctx, reg, timeNow().Add(d))
}

// EnableInterruption toggles whether Yield/Suspend on the current fiber
// check the interruption-requested flag.
func EnableInterruption(ctx context.Context, enabled bool) {
	if f := Current(ctx); f != nil {
		f.SetInterruptionEnabled(enabled)
	}
}
