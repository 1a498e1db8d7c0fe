// Package scheduler implements the per-worker fiber scheduler: priority
// run queues, a staged queue for newly created fibers, a terminated queue
// awaiting reclamation, work stealing with a rotating victim cursor, and
// exponential idle backoff.
//
// Run queues sit on the lock-free collections in
// internal/runtime/concurrency: a Treiber stack for the default LIFO
// ordering and an MPMC ring for the FIFO build option.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jturney/Einsums-sub002/internal/fiber"
	"github.com/jturney/Einsums-sub002/internal/runtime/concurrency"
)

// Priority is one of the five run-queue classes.
type Priority int

const (
	Low Priority = iota
	Normal
	Boost
	High
	Bound
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case Boost:
		return "boost"
	case High:
		return "high"
	case Bound:
		return "bound"
	default:
		return "unknown"
	}
}

// selectionOrder is the strict-priority pick order: bound runs here only
// because it was explicitly assigned to this worker, then high, boost,
// normal, low.
var selectionOrder = [numPriorities]Priority{Bound, High, Boost, Normal, Low}

// stealableOrder excludes Bound: bound fibers belong to their worker and
// are never stolen.
var stealableOrder = [4]Priority{High, Boost, Normal, Low}

// InitialState is the create_thread "initial-state" parameter.
type InitialState int

const (
	InitPending InitialState = iota
	InitSuspended
)

// Config holds the scheduler tunables (app config keys add-new-min/max,
// min-tasks-to-steal-*, max-terminated, max-delete-count, idle-loop-max,
// idle-backoff-ms-max, plus the LIFO/FIFO ordering option).
type Config struct {
	QueueCapacity          uint64
	StagedCapacity         uint64
	AddNewMin              int
	AddNewMax              int
	MinTasksToStealPending int
	MinTasksToStealStaged  int
	MaxTerminated          int
	MaxDeleteCount         int
	IdleLoopMax            int
	IdleBackoffMsMax       int
	FIFO                   bool // false = LIFO, the default ordering
}

// DefaultConfig returns the runtime's out-of-the-box scheduler tunables.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:          4096,
		StagedCapacity:         1024,
		AddNewMin:              1,
		AddNewMax:              32,
		MinTasksToStealPending: 1,
		MinTasksToStealStaged:  1,
		MaxTerminated:          256,
		MaxDeleteCount:         64,
		IdleLoopMax:            64,
		IdleBackoffMsMax:       16,
		FIFO:                   false,
	}
}

// runQueue is either a Treiber stack (LIFO, default) or an MPMC ring buffer
// (FIFO, build option). Both underlying collections track their own
// occupancy now, so Len just delegates instead of duplicating a counter.
type runQueue struct {
	fifo  bool
	stack *concurrency.LFStack[*fiber.Fiber]
	ring  *concurrency.MPMCQueue[*fiber.Fiber]
}

func newRunQueue(fifo bool, capacity uint64) *runQueue {
	q := &runQueue{fifo: fifo}
	if fifo {
		q.ring = concurrency.NewMPMCQueue[*fiber.Fiber](capacity)
	} else {
		q.stack = concurrency.NewLFStack[*fiber.Fiber]()
	}
	return q
}

func (q *runQueue) Push(f *fiber.Fiber) bool {
	if q.fifo {
		return q.ring.Enqueue(f)
	}
	q.stack.Push(f)
	return true
}

func (q *runQueue) Pop() (*fiber.Fiber, bool) {
	if q.fifo {
		var out *fiber.Fiber
		if q.ring.Dequeue(&out) {
			return out, true
		}
		return nil, false
	}
	return q.stack.Pop()
}

func (q *runQueue) Len() int64 {
	if q.fifo {
		return q.ring.Len()
	}
	return q.stack.Len()
}

// InvokeFunc runs one invoke/yield cycle of f. The default is f.Invoke;
// SetInvoker lets an embedder wrap every invocation (to install a context
// carrying the current fiber, or to record per-invoke timings) without the
// scheduler depending on those layers.
type InvokeFunc func(f *fiber.Fiber) (fiber.State, fiber.ExitStatus)

// Scheduler is the per-worker component that chooses the next fiber to
// run.
type Scheduler struct {
	id  int
	cfg Config

	pending [numPriorities]*runQueue
	staged  *runQueue

	terminatedMu sync.Mutex
	terminated   []*fiber.Fiber
	recycled     atomic.Int64

	victimCursor atomic.Int64
	siblingsMu   sync.RWMutex
	siblings     []*Scheduler

	wakeCh chan struct{}

	invoke InvokeFunc

	tasksCompleted atomic.Int64
	stealsWon      atomic.Int64
	running        atomic.Int32
}

// New creates a scheduler for worker id with the given config.
func New(id int, cfg Config) *Scheduler {
	s := &Scheduler{
		id:     id,
		cfg:    cfg,
		wakeCh: make(chan struct{}, 1),
	}
	for p := Priority(0); p < numPriorities; p++ {
		s.pending[p] = newRunQueue(cfg.FIFO, cfg.QueueCapacity)
	}
	s.staged = newRunQueue(cfg.FIFO, cfg.StagedCapacity)
	s.invoke = func(f *fiber.Fiber) (fiber.State, fiber.ExitStatus) { return f.Invoke() }
	return s
}

// ID returns the owning worker's index.
func (s *Scheduler) ID() int { return s.id }

// SetSiblings installs the full worker-scheduler set (including self) used
// for work stealing's victim rotation.
func (s *Scheduler) SetSiblings(all []*Scheduler) {
	s.siblingsMu.Lock()
	s.siblings = all
	s.siblingsMu.Unlock()
}

// SetInvoker overrides how fibers are invoked; see InvokeFunc.
func (s *Scheduler) SetInvoker(fn InvokeFunc) { s.invoke = fn }

// CreateThread allocates a fiber and places it according to its initial
// state: staged (awaiting promotion) when pending, on no queue when
// suspended (the caller owns the only reference until it calls Schedule or
// the fiber's Resume).
func (s *Scheduler) CreateThread(fn fiber.Func, priority Priority, size fiber.StackSize, initial InitialState) *fiber.Fiber {
	f := fiber.New(fn, size, s.recycle)
	f.SetSelfSchedule(func(rf *fiber.Fiber) { s.Schedule(rf, priority) })
	if initial == InitPending {
		s.staged.Push(f)
		s.wake()
	} else {
		f.MarkInitialSuspended()
	}
	return f
}

// Schedule inserts a ready fiber into its priority's pending queue and
// wakes the worker if it was parked idle.
func (s *Scheduler) Schedule(f *fiber.Fiber, p Priority) bool {
	ok := s.pending[p].Push(f)
	if ok {
		s.wake()
	}
	return ok
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recycle(f *fiber.Fiber) {
	s.recycled.Add(1)
}

// PendingLen reports the current length of priority class p's pending
// queue (monitoring / testing only).
func (s *Scheduler) PendingLen(p Priority) int64 { return s.pending[p].Len() }

// StagedLen reports the staged queue's current length.
func (s *Scheduler) StagedLen() int64 { return s.staged.Len() }

// TerminatedLen reports how many exited fibers await reclamation.
func (s *Scheduler) TerminatedLen() int {
	s.terminatedMu.Lock()
	defer s.terminatedMu.Unlock()
	return len(s.terminated)
}

// TasksCompleted returns the number of invoke/yield cycles this scheduler
// has run to completion or suspension.
func (s *Scheduler) TasksCompleted() int64 { return s.tasksCompleted.Load() }

// promoteStaged moves newly created fibers onto the Normal pending queue,
// promoting at least add-new-min and at most add-new-max per scheduling
// step; the floor wins when the two conflict.
func (s *Scheduler) promoteStaged() {
	limit := s.cfg.AddNewMax
	if limit <= 0 {
		limit = 1
	}
	if s.cfg.AddNewMin > limit {
		limit = s.cfg.AddNewMin
	}
	for n := 0; n < limit; n++ {
		f, ok := s.staged.Pop()
		if !ok {
			return
		}
		s.pending[Normal].Push(f)
	}
}

// next implements one wait_or_add_new scheduling step short of parking:
// promote staged fibers, then pick strictly by priority.
func (s *Scheduler) next() (*fiber.Fiber, bool) {
	s.promoteStaged()
	for _, p := range selectionOrder {
		if f, ok := s.pending[p].Pop(); ok {
			return f, true
		}
	}
	return nil, false
}

// stealCandidate is called on a victim scheduler by a thief; it only
// yields a fiber once the victim's queue meets the configured
// min-tasks-to-steal threshold, and never touches the Bound queue.
func (s *Scheduler) stealCandidate(cfg Config) (*fiber.Fiber, bool) {
	for _, p := range stealableOrder {
		if s.pending[p].Len() >= int64(cfg.MinTasksToStealPending) {
			if f, ok := s.pending[p].Pop(); ok {
				return f, true
			}
		}
	}
	if s.staged.Len() >= int64(cfg.MinTasksToStealStaged) {
		if f, ok := s.staged.Pop(); ok {
			return f, true
		}
	}
	return nil, false
}

// trySteal rotates a victim cursor over the sibling set (excluding self)
// and, on success, re-inserts the stolen fiber at the thief's high-priority
// end.
func (s *Scheduler) trySteal() bool {
	s.siblingsMu.RLock()
	siblings := s.siblings
	s.siblingsMu.RUnlock()

	n := len(siblings)
	if n <= 1 {
		return false
	}
	cursor := int(s.victimCursor.Add(1))
	tried := 0
	for off := 0; off < n && tried < n-1; off++ {
		idx := (cursor + off) % n
		v := siblings[idx]
		if v == s {
			continue
		}
		tried++
		if f, ok := v.stealCandidate(s.cfg); ok {
			s.pending[High].Push(f)
			s.stealsWon.Add(1)
			return true
		}
	}
	return false
}

// HasRunnableWork reports whether this scheduler currently has any staged
// or pending fiber (used by internal/pool's wait()/finalize() checks).
func (s *Scheduler) HasRunnableWork() bool { return s.hasWork() }

// RunningCount reports how many fibers this worker is executing right now
// (0 or 1); pool.Wait counts an in-flight fiber as outstanding work so it
// cannot return in the window between a queue pop and the fiber's exit.
func (s *Scheduler) RunningCount() int { return int(s.running.Load()) }

func (s *Scheduler) hasWork() bool {
	if s.staged.Len() > 0 {
		return true
	}
	for p := Priority(0); p < numPriorities; p++ {
		if s.pending[p].Len() > 0 {
			return true
		}
	}
	return false
}

// runOne invokes f once and routes it per its resulting state: Ready goes
// back to the Normal pending queue (the default reschedule priority),
// Suspended is left to the fiber's own SelfScheduleFunc/Resume to
// reintroduce, Exited moves it to the terminated queue.
func (s *Scheduler) runOne(f *fiber.Fiber) {
	state, _ := s.invoke(f)
	s.tasksCompleted.Add(1)
	switch state {
	case fiber.Ready:
		s.pending[Normal].Push(f)
	case fiber.Exited:
		s.terminatedMu.Lock()
		s.terminated = append(s.terminated, f)
		s.terminatedMu.Unlock()
	case fiber.Suspended:
		// nothing to do: Resume()'s SelfScheduleFunc handles re-entry.
	default:
		panic("scheduler: invoke returned a fiber in an unrequeueable state")
	}
}

// sweepTerminated is the termination sweep: once the terminated queue
// exceeds max-terminated, release up to max-delete-count fibers back to
// the recycle path.
func (s *Scheduler) sweepTerminated() {
	s.terminatedMu.Lock()
	defer s.terminatedMu.Unlock()
	if len(s.terminated) <= s.cfg.MaxTerminated {
		return
	}
	n := len(s.terminated) - s.cfg.MaxTerminated
	if n > s.cfg.MaxDeleteCount {
		n = s.cfg.MaxDeleteCount
	}
	for i := 0; i < n; i++ {
		s.terminated[i].Release()
	}
	s.terminated = s.terminated[n:]
}

// Step performs at most one scheduling action: run a fiber to its next
// yield/exit point (stealing first if nothing is locally runnable), sweep
// the terminated queue, and return true; or return false if there was
// nothing to do. Pool uses Step directly so it can re-check its
// suspend/resume latch between every fiber invocation.
func (s *Scheduler) Step(ctx context.Context) bool {
	f, ok := s.next()
	if !ok {
		if s.trySteal() {
			f, ok = s.next()
		}
	}
	if !ok {
		return false
	}
	s.running.Add(1)
	s.runOne(f)
	s.running.Add(-1)
	s.sweepTerminated()
	return true
}

// Run is the worker's main loop: pick, run, sweep, or back off idle. It
// returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	idleStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.Step(ctx) {
			idleStreak = 0
			continue
		}

		idleStreak++
		if idleStreak < s.cfg.IdleLoopMax {
			continue
		}
		if s.parkWithBackoff(ctx) {
			idleStreak = 0
		}
	}
}

// parkWithBackoff sleeps with exponential backoff (capped at
// idle-backoff-ms-max) until woken by Schedule, new work appears, or ctx is
// cancelled. It returns true if the worker should reset its idle streak.
func (s *Scheduler) parkWithBackoff(ctx context.Context) bool {
	backoff := time.Millisecond
	max := time.Duration(s.cfg.IdleBackoffMsMax) * time.Millisecond
	if max <= 0 {
		max = time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.wakeCh:
			return true
		case <-time.After(backoff):
			if s.hasWork() {
				return true
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
		}
	}
}
