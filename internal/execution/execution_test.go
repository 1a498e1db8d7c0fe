package execution

import (
	"context"
	"testing"
	"time"

	"github.com/jturney/Einsums-sub002/internal/errkind"
	"github.com/jturney/Einsums-sub002/internal/fiber"
	"github.com/jturney/Einsums-sub002/internal/rttest"
)

// swapClock installs clock as the package's timer source for one test, so
// sleep/timeout paths are driven by Advance instead of wall-clock time.
func swapClock(t *testing.T, clock *rttest.FakeClock) {
	t.Helper()
	oldNow, oldArm := timeNow, armTimer
	timeNow = clock.Now
	armTimer = func(d time.Duration, fn func()) stoppable { return clock.AfterFunc(d, fn) }
	t.Cleanup(func() { timeNow, armTimer = oldNow, oldArm })
}

func TestYieldReturnsToReadyThenCanBeReinvoked(t *testing.T) {
	steps := 0
	f := fiber.New(func(ff *fiber.Fiber) error {
		ctx := WithFiber(context.Background(), ff)
		for i := 0; i < 3; i++ {
			if err := Yield(ctx, "pending"); err != nil {
				return err
			}
			steps++
		}
		return nil
	}, fiber.Small, nil)

	for i := 0; i < 3; i++ {
		state, _ := f.Invoke()
		if state != fiber.Ready {
			t.Fatalf("iteration %d: state = %v, want Ready", i, state)
		}
	}
	state, status := f.Invoke()
	if state != fiber.Exited || status != fiber.Returned {
		t.Fatalf("final: state=%v status=%v", state, status)
	}
	if steps != 3 {
		t.Fatalf("steps = %d, want 3", steps)
	}
}

func TestSpinKDoesNotSuspend(t *testing.T) {
	ran := false
	f := fiber.New(func(ff *fiber.Fiber) error {
		SpinK(8)
		ran = true
		return nil
	}, fiber.Small, nil)
	state, status := f.Invoke()
	if state != fiber.Exited || status != fiber.Returned || !ran {
		t.Fatalf("SpinK should not suspend the fiber: state=%v status=%v ran=%v", state, status, ran)
	}
}

func TestSuspendAndRegistryResume(t *testing.T) {
	reg := NewRegistry()
	var fiberID uint64

	f := fiber.New(func(ff *fiber.Fiber) error {
		fiberID = ff.ID()
		reg.RegisterFiber(ff)
		ctx := WithFiber(context.Background(), ff)
		return Suspend(ctx, "suspended")
	}, fiber.Small, nil)

	state, _ := f.Invoke()
	if state != fiber.Suspended {
		t.Fatalf("state = %v, want Suspended", state)
	}

	done := make(chan struct{})
	go func() {
		if err := reg.Resume(fiberID, false); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	<-done

	state, status := f.Invoke()
	if state != fiber.Exited || status != fiber.Returned {
		t.Fatalf("state=%v status=%v, want Exited/Returned", state, status)
	}
}

// TestSleepAbortedByResume: one fiber sleeps for 50ms; a resume with abort
// arrives long before the timer's deadline; the sleeper must observe
// YieldAborted and the timer must never fire.
func TestSleepAbortedByResume(t *testing.T) {
	clock := rttest.NewFakeClock(time.Unix(0, 0))
	swapClock(t, clock)
	reg := NewRegistry()
	var fiberID uint64
	var sleepErr error

	f := fiber.New(func(ff *fiber.Fiber) error {
		fiberID = ff.ID()
		reg.RegisterFiber(ff)
		ctx := WithFiber(context.Background(), ff)
		sleepErr = SleepFor(ctx, reg, 50*time.Millisecond)
		return sleepErr
	}, fiber.Small, nil)

	state, _ := f.Invoke()
	if state != fiber.Suspended {
		t.Fatalf("state = %v, want Suspended", state)
	}
	if clock.PendingWaiters() != 1 {
		t.Fatalf("pending timers = %d, want 1", clock.PendingWaiters())
	}

	// Abort the sleep; the clock never reaches the timer's deadline.
	if err := reg.Resume(fiberID, true); err != nil {
		t.Fatal(err)
	}
	state, status := f.Invoke()
	if state != fiber.Exited || status != fiber.Aborted {
		t.Fatalf("state=%v status=%v, want Exited/Aborted", state, status)
	}
	kindErr, ok := sleepErr.(*errkind.Error)
	if !ok || kindErr.Kind != errkind.YieldAborted {
		t.Fatalf("sleepErr = %v, want YieldAborted", sleepErr)
	}

	// SleepUntil stopped its timer on the way out; advancing past the
	// deadline must fire nothing.
	if clock.PendingWaiters() != 0 {
		t.Fatalf("pending timers = %d, want 0 after abort", clock.PendingWaiters())
	}
	clock.Advance(time.Hour)
}

// TestSleepFiresOnClockAdvance drives SleepFor's timeout path entirely off
// the fake clock: the fiber stays suspended short of the deadline and is
// readied the instant the clock crosses it.
func TestSleepFiresOnClockAdvance(t *testing.T) {
	clock := rttest.NewFakeClock(time.Unix(0, 0))
	swapClock(t, clock)
	reg := NewRegistry()
	var sleepErr error

	f := fiber.New(func(ff *fiber.Fiber) error {
		reg.RegisterFiber(ff)
		ctx := WithFiber(context.Background(), ff)
		sleepErr = SleepFor(ctx, reg, 50*time.Millisecond)
		return sleepErr
	}, fiber.Small, nil)

	state, _ := f.Invoke()
	if state != fiber.Suspended {
		t.Fatalf("state = %v, want Suspended", state)
	}

	clock.Advance(49 * time.Millisecond)
	if got := f.State(); got != fiber.Suspended {
		t.Fatalf("state = %v before the deadline, want Suspended", got)
	}

	clock.Advance(time.Millisecond)
	if got := f.State(); got != fiber.Ready {
		t.Fatalf("state = %v at the deadline, want Ready", got)
	}
	state, status := f.Invoke()
	if state != fiber.Exited || status != fiber.Returned || sleepErr != nil {
		t.Fatalf("state=%v status=%v err=%v, want Exited/Returned/nil", state, status, sleepErr)
	}
}

func TestYieldWhileTimeoutExpires(t *testing.T) {
	f := fiber.New(func(ff *fiber.Fiber) error {
		ctx := WithFiber(context.Background(), ff)
		ok, err := YieldWhileTimeout(ctx, func() bool { return true }, time.Now().Add(5*time.Millisecond), "pending")
		if err != nil {
			return err
		}
		if ok {
			t.Error("expected YieldWhileTimeout to report deadline expiry")
		}
		return nil
	}, fiber.Small, nil)

	for {
		state, status := f.Invoke()
		if state == fiber.Exited {
			if status != fiber.Returned {
				t.Fatalf("status = %v, want Returned", status)
			}
			return
		}
	}
}

func TestInterruptThrowsAtYieldPoint(t *testing.T) {
	reg := NewRegistry()
	var fiberID uint64

	f := fiber.New(func(ff *fiber.Fiber) error {
		fiberID = ff.ID()
		reg.RegisterFiber(ff)
		ff.SetInterruptionEnabled(true)
		ctx := WithFiber(context.Background(), ff)
		return Yield(ctx, "pending")
	}, fiber.Small, nil)
	_ = f

	if err := reg.Interrupt(0); err == nil {
		t.Fatal("expected error interrupting unregistered id 0")
	}

	// Registration happens inside the fiber body, so the first fiber can't
	// be interrupted by id before it runs; f2 exercises the pre-run
	// interrupt path directly.
	_ = fiberID
	f2 := fiber.New(func(ff *fiber.Fiber) error {
		ff.SetInterruptionEnabled(true)
		ctx := WithFiber(context.Background(), ff)
		return Yield(ctx, "pending")
	}, fiber.Small, nil)
	f2.Interrupt()
	_, status := f2.Invoke()
	if status != fiber.Aborted {
		t.Fatalf("status = %v, want Aborted", status)
	}
}
