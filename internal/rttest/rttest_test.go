package rttest

import (
	"testing"
	"time"
)

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	ch := c.After(10 * time.Millisecond)

	c.Advance(5 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}
	if got := c.PendingWaiters(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	c.Advance(5 * time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire once the deadline was reached")
	}
	if got := c.PendingWaiters(); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestFakeClockOrdersMultipleWaiters(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	late := c.After(20 * time.Millisecond)
	early := c.After(5 * time.Millisecond)

	c.Advance(25 * time.Millisecond)

	var earlyFired, lateFired time.Time
	select {
	case earlyFired = <-early:
	default:
		t.Fatal("early waiter did not fire")
	}
	select {
	case lateFired = <-late:
	default:
		t.Fatal("late waiter did not fire")
	}
	if lateFired.Before(earlyFired) {
		t.Fatal("late deadline fired before early one")
	}
}

func TestFakeClockAfterFuncFiresAndStops(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	fired := 0
	timer := c.AfterFunc(10*time.Millisecond, func() { fired++ })

	c.Advance(5 * time.Millisecond)
	if fired != 0 {
		t.Fatal("callback fired before its deadline")
	}
	c.Advance(5 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if timer.Stop() {
		t.Fatal("Stop after firing should report false")
	}

	stopped := c.AfterFunc(10*time.Millisecond, func() { fired++ })
	if !stopped.Stop() {
		t.Fatal("Stop before firing should report true")
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatal("a stopped timer fired anyway")
	}
}

func TestStealOrderExcludesSelfAndCoversAllSiblings(t *testing.T) {
	order := StealOrder(4, 1, 2)
	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 entries", order)
	}
	for _, idx := range order {
		if idx == 1 {
			t.Fatal("StealOrder must exclude the calling scheduler's own index")
		}
	}
	seen := make(map[int]bool)
	for _, idx := range order {
		seen[idx] = true
	}
	if len(seen) != 3 {
		t.Fatalf("order = %v, want 3 distinct siblings", order)
	}
}

func TestStealOrderSingleSchedulerIsEmpty(t *testing.T) {
	if order := StealOrder(1, 0, 0); order != nil {
		t.Fatalf("order = %v, want nil with no siblings", order)
	}
}
