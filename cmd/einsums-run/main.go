// Command einsums-run bootstraps the runtime and hands control to a small
// demonstration user program: a schedule/bulk/sync-wait pipeline that
// hops onto the pool and fans its bulk stage out over goroutines.
package main

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/jturney/Einsums-sub002/internal/bootstrap"
	"github.com/jturney/Einsums-sub002/internal/fiber"
	"github.com/jturney/Einsums-sub002/internal/sender"
)

// newUserMain builds the fiber entry function run once the pool is up; it
// exercises a schedule/bulk/sync-wait pipeline over the live runtime.
func newUserMain(rt *bootstrap.Runtime) fiber.Func {
	return func(f *fiber.Fiber) error {
		sched := sender.PoolScheduler(rt.Pool)
		var n int64
		s := sender.Bulk(sender.Schedule(sched), sender.Range(1000), func(i int, _ struct{}) error {
			atomic.AddInt64(&n, 1)
			return nil
		})
		if _, err := sender.SyncWait[struct{}](s); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "completed %d units of work across %d workers\n", atomic.LoadInt64(&n), len(rt.Pool.Workers()))
		return nil
	}
}

func main() {
	code := bootstrap.Initialize(newUserMain, os.Args[1:], bootstrap.Params{
		InstallSignals: true,
		WatchAppConfig: true,
		// The demo pipeline sync-waits from inside the user-main fiber, so
		// it needs at least one sibling worker to run the scheduled work
		// while worker 0 is parked in that wait.
		DefaultWorkerCount: 4,
	})
	os.Exit(code)
}
