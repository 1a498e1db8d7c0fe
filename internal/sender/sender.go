// Package sender implements the composable asynchronous sender/receiver
// pipeline: Schedule, Then, Bulk, LetError, ScheduleFrom, SyncWait,
// DropOperationState, and the Pair/UnpackPair combinators.
//
// A sender is an immutable description of work; Connect binds it to a
// receiver (a three-channel sink of value/error/stopped) and yields an
// operation state whose Start initiates the work. Combinators are small
// structs composed via free functions that return new structs. Bulk's
// fan-out/join uses golang.org/x/sync/errgroup.
package sender

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jturney/Einsums-sub002/internal/fiber"
	"github.com/jturney/Einsums-sub002/internal/pool"
	"github.com/jturney/Einsums-sub002/internal/scheduler"
)

// Receiver is the three-channel sink a sender completes into.
type Receiver[T any] interface {
	SetValue(v T)
	SetError(err error)
	SetStopped()
}

// OpState is the materialized pipeline produced by Connect; Start initiates
// the work it describes.
type OpState interface {
	Start()
}

// Sender describes work that, once Connected to a Receiver and Started,
// eventually calls exactly one of the receiver's three methods.
type Sender[T any] interface {
	Connect(r Receiver[T]) OpState
}

// WorkerScheduler is the minimal capability Schedule/ScheduleFrom need: the
// ability to place a fiber function on some worker's run queue. Both
// *scheduler.Scheduler and the PoolScheduler adapter below satisfy it.
type WorkerScheduler interface {
	CreateThread(fn fiber.Func, priority scheduler.Priority, size fiber.StackSize, initial scheduler.InitialState) *fiber.Fiber
}

// poolAdapter round-robins CreateThread calls across a pool's workers, so
// Schedule(pool) lands on "some worker of the pool" rather than pinning
// everything to one worker.
type poolAdapter struct {
	p  *pool.Pool
	rr atomic.Uint64
}

// PoolScheduler adapts a *pool.Pool into a WorkerScheduler.
func PoolScheduler(p *pool.Pool) WorkerScheduler { return &poolAdapter{p: p} }

func (a *poolAdapter) CreateThread(fn fiber.Func, priority scheduler.Priority, size fiber.StackSize, initial scheduler.InitialState) *fiber.Fiber {
	workers := a.p.Workers()
	idx := int(a.rr.Add(1)-1) % len(workers)
	return workers[idx].Scheduler.CreateThread(fn, priority, size, initial)
}

func recoverToError(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return fmt.Errorf("sender: panic: %v", rec)
}

// --- schedule -----------------------------------------------------------

type scheduleSender struct {
	sched WorkerScheduler
}

// Schedule completes with SetValue(struct{}{}) once a worker of sched runs
// it.
func Schedule(sched WorkerScheduler) Sender[struct{}] {
	return scheduleSender{sched: sched}
}

type scheduleOp struct {
	sched WorkerScheduler
	recv  Receiver[struct{}]
}

func (s scheduleSender) Connect(r Receiver[struct{}]) OpState {
	return &scheduleOp{sched: s.sched, recv: r}
}

func (op *scheduleOp) Start() {
	op.sched.CreateThread(func(*fiber.Fiber) error {
		op.recv.SetValue(struct{}{})
		return nil
	}, scheduler.Normal, fiber.Small, scheduler.InitPending)
}

// --- just -----------------------------------------------------------------

type justSender[T any] struct{ v T }

// Just completes immediately with v, with no scheduling hop; typically a
// LetError successor.
func Just[T any](v T) Sender[T] { return justSender[T]{v: v} }

type justOp[T any] struct {
	v T
	r Receiver[T]
}

func (o *justOp[T]) Start() { o.r.SetValue(o.v) }

func (s justSender[T]) Connect(r Receiver[T]) OpState { return &justOp[T]{v: s.v, r: r} }

// --- then -----------------------------------------------------------------

type thenSender[T, U any] struct {
	pred Sender[T]
	f    func(T) (U, error)
}

// Then applies f to the predecessor's value; a panic or returned error
// both route to the downstream SetError.
func Then[T, U any](pred Sender[T], f func(T) (U, error)) Sender[U] {
	return thenSender[T, U]{pred: pred, f: f}
}

type thenReceiver[T, U any] struct {
	f    func(T) (U, error)
	next Receiver[U]
}

func (r *thenReceiver[T, U]) SetValue(v T) {
	out, err := r.apply(v)
	if err != nil {
		r.next.SetError(err)
		return
	}
	r.next.SetValue(out)
}

func (r *thenReceiver[T, U]) apply(v T) (out U, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = recoverToError(rec)
		}
	}()
	return r.f(v)
}

func (r *thenReceiver[T, U]) SetError(err error) { r.next.SetError(err) }
func (r *thenReceiver[T, U]) SetStopped()        { r.next.SetStopped() }

func (s thenSender[T, U]) Connect(r Receiver[U]) OpState {
	return s.pred.Connect(&thenReceiver[T, U]{f: s.f, next: r})
}

// --- let_error --------------------------------------------------------

type letErrorSender[T any] struct {
	pred Sender[T]
	f    func(error) Sender[T]
}

// LetError recovers from a predecessor error by constructing and running a
// successor sender; a predecessor value or stopped signal passes through
// untouched and the successor is never constructed.
func LetError[T any](pred Sender[T], f func(error) Sender[T]) Sender[T] {
	return letErrorSender[T]{pred: pred, f: f}
}

type letErrorReceiver[T any] struct {
	f    func(error) Sender[T]
	next Receiver[T]
}

func (r *letErrorReceiver[T]) SetValue(v T) { r.next.SetValue(v) }

func (r *letErrorReceiver[T]) SetError(err error) {
	succ := r.f(err)
	op := succ.Connect(r.next)
	op.Start()
}

func (r *letErrorReceiver[T]) SetStopped() { r.next.SetStopped() }

func (s letErrorSender[T]) Connect(r Receiver[T]) OpState {
	return s.pred.Connect(&letErrorReceiver[T]{f: s.f, next: r})
}

// --- schedule_from ------------------------------------------------------

type scheduleFromSender[T any] struct {
	sched WorkerScheduler
	pred  Sender[T]
}

// ScheduleFrom runs pred, then transfers its completion (value, error, or
// stopped) onto a fiber scheduled on sched.
func ScheduleFrom[T any](sched WorkerScheduler, pred Sender[T]) Sender[T] {
	return scheduleFromSender[T]{sched: sched, pred: pred}
}

type scheduleFromReceiver[T any] struct {
	sched WorkerScheduler
	next  Receiver[T]
}

func (r *scheduleFromReceiver[T]) hop(fn func()) {
	r.sched.CreateThread(func(*fiber.Fiber) error { fn(); return nil }, scheduler.Normal, fiber.Small, scheduler.InitPending)
}

func (r *scheduleFromReceiver[T]) SetValue(v T) { r.hop(func() { r.next.SetValue(v) }) }
func (r *scheduleFromReceiver[T]) SetError(e error) { r.hop(func() { r.next.SetError(e) }) }
func (r *scheduleFromReceiver[T]) SetStopped() { r.hop(func() { r.next.SetStopped() }) }

func (s scheduleFromSender[T]) Connect(r Receiver[T]) OpState {
	return s.pred.Connect(&scheduleFromReceiver[T]{sched: s.sched, next: r})
}

// --- bulk -----------------------------------------------------------------

// Shape enumerates the indices a Bulk sender invokes its function over:
// either a dense range or a user-supplied index list.
type Shape interface {
	ForEach(fn func(i int))
}

type rangeShape int

func (n rangeShape) ForEach(fn func(i int)) {
	for i := 0; i < int(n); i++ {
		fn(i)
	}
}

// Range returns the shape [0, n).
func Range(n int) Shape { return rangeShape(n) }

type sliceShape []int

func (s sliceShape) ForEach(fn func(i int)) {
	for _, i := range s {
		fn(i)
	}
}

// FromIndices returns a user-supplied iterable shape over exactly indices.
func FromIndices(indices []int) Shape { return sliceShape(indices) }

type bulkSender[T any] struct {
	pred  Sender[T]
	shape Shape
	f     func(i int, v T) error
}

// Bulk invokes f(i, v) for each i in shape once the predecessor produces
// v, joining all invocations (via errgroup) before forwarding v unchanged
// to the downstream receiver.
func Bulk[T any](pred Sender[T], shape Shape, f func(i int, v T) error) Sender[T] {
	return bulkSender[T]{pred: pred, shape: shape, f: f}
}

type bulkReceiver[T any] struct {
	shape Shape
	f     func(i int, v T) error
	next  Receiver[T]
}

func (r *bulkReceiver[T]) SetValue(v T) {
	var g errgroup.Group
	r.shape.ForEach(func(i int) {
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = recoverToError(rec)
				}
			}()
			return r.f(i, v)
		})
	})
	if err := g.Wait(); err != nil {
		r.next.SetError(err)
		return
	}
	r.next.SetValue(v)
}

func (r *bulkReceiver[T]) SetError(err error) { r.next.SetError(err) }
func (r *bulkReceiver[T]) SetStopped()        { r.next.SetStopped() }

func (s bulkSender[T]) Connect(r Receiver[T]) OpState {
	return s.pred.Connect(&bulkReceiver[T]{shape: s.shape, f: s.f, next: r})
}

// --- drop_operation_state -------------------------------------------------

type dropOpStateSender[T any] struct{ pred Sender[T] }

// DropOperationState ensures the predecessor's operation-state reference
// is released before the downstream continuation runs, so resources it
// holds can be reclaimed between pipeline stages.
func DropOperationState[T any](pred Sender[T]) Sender[T] {
	return dropOpStateSender[T]{pred: pred}
}

type dropOpStateOp struct {
	inner OpState
}

func (o *dropOpStateOp) Start() { o.inner.Start() }

type dropOpStateReceiver[T any] struct {
	next Receiver[T]
	op   *dropOpStateOp
}

func (r *dropOpStateReceiver[T]) release() { r.op.inner = nil }

func (r *dropOpStateReceiver[T]) SetValue(v T) {
	r.release()
	r.next.SetValue(v)
}

func (r *dropOpStateReceiver[T]) SetError(err error) {
	r.release()
	r.next.SetError(err)
}

func (r *dropOpStateReceiver[T]) SetStopped() {
	r.release()
	r.next.SetStopped()
}

func (s dropOpStateSender[T]) Connect(r Receiver[T]) OpState {
	op := &dropOpStateOp{}
	op.inner = s.pred.Connect(&dropOpStateReceiver[T]{next: r, op: op})
	return op
}

// --- unpack -----------------------------------------------------------

// Pair is a concrete two-element tuple. Go has no general tuple type to
// unpack generically, so unpacking is offered as a family of fixed-arity
// combinators (UnpackPair covers the two-element case) rather than a
// single polymorphic function.
type Pair[A, B any] struct {
	First  A
	Second B
}

// UnpackPair forwards a Pair's two elements as separate arguments to f.
func UnpackPair[A, B, R any](pred Sender[Pair[A, B]], f func(A, B) (R, error)) Sender[R] {
	return Then(pred, func(p Pair[A, B]) (R, error) { return f(p.First, p.Second) })
}

// --- sync_wait --------------------------------------------------------

// ErrStopped is the error SyncWait returns when the pipeline completed via
// SetStopped rather than a value or error.
var ErrStopped = fmt.Errorf("sender: stopped")

type syncReceiver[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func (r *syncReceiver[T]) SetValue(v T) {
	r.val = v
	close(r.done)
}

func (r *syncReceiver[T]) SetError(err error) {
	r.err = err
	close(r.done)
}

func (r *syncReceiver[T]) SetStopped() {
	r.err = ErrStopped
	close(r.done)
}

// SyncWait blocks the calling (non-fiber) goroutine until s completes,
// returning its value or propagating its error.
func SyncWait[T any](s Sender[T]) (T, error) {
	recv := &syncReceiver[T]{done: make(chan struct{})}
	op := s.Connect(recv)
	op.Start()
	<-recv.done
	if recv.err != nil {
		var zero T
		return zero, recv.err
	}
	return recv.val, nil
}
