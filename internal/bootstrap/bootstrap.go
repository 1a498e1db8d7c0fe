// Package bootstrap implements the runtime's start/run/stop sequence:
// parse options, discover topology, resolve an affinity plan, build the
// thread pool, run registered startup hooks, hand control to the user's
// entry function on a fresh fiber, then tear everything down in reverse.
// It also owns the optional terminating-signal handlers and an fsnotify
// watch that re-merges the app-config file on every write.
package bootstrap

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/jturney/Einsums-sub002/internal/affinity"
	"github.com/jturney/Einsums-sub002/internal/cliopts"
	"github.com/jturney/Einsums-sub002/internal/config"
	"github.com/jturney/Einsums-sub002/internal/configfile"
	"github.com/jturney/Einsums-sub002/internal/errkind"
	"github.com/jturney/Einsums-sub002/internal/fiber"
	"github.com/jturney/Einsums-sub002/internal/pool"
	"github.com/jturney/Einsums-sub002/internal/rtlog"
	"github.com/jturney/Einsums-sub002/internal/scheduler"
	"github.com/jturney/Einsums-sub002/internal/syncx"
	"github.com/jturney/Einsums-sub002/internal/topology"
)

// terminatingSignals are the signals the runtime intercepts to write a
// diagnostic: SIGINT for a graceful stop request, the rest fatal traps it
// diagnoses before re-raising.
var terminatingSignals = []os.Signal{
	os.Interrupt, // SIGINT
	syscall.SIGBUS,
	syscall.SIGFPE,
	syscall.SIGILL,
	syscall.SIGPIPE,
	syscall.SIGSEGV,
	syscall.SIGSYS,
}

// Hook is a named startup/shutdown function; startup hooks run in
// registration order, shutdown hooks in reverse.
type Hook struct {
	Name string
	Fn   func(*Runtime) error
}

// Params bundles initialize's inputs beyond argv, letting callers override
// defaults (notably in tests) without going through the process environment.
type Params struct {
	Startup            []Hook
	Shutdown           []Hook
	InstallSignals     bool // arm terminating-signal handlers; EINSUMS_INSTALL_SIGNAL_HANDLERS, when set, overrides it
	WatchAppConfig     bool // live-reload the app config file; tests leave it false to keep a goroutine off the filesystem
	DefaultWorkerCount int  // used when --einsums:threads/cores is absent; 0 means topology.NumPUs()
}

// Runtime is the live, running instance initialize hands to the user's
// entry function and to every startup/shutdown hook.
type Runtime struct {
	Topo   *topology.Topology
	Plan   *affinity.Plan
	Config *config.Store
	Pool   *pool.Pool
	Args   []string // the non-"--einsums:" remainder, forwarded to user code

	shutdown  []Hook
	sigCh     chan os.Signal
	watcher   *fsnotify.Watcher
	appConfig string
}

func applyEnv(store *config.Store) {
	if v, ok := os.LookupEnv("EINSUMS_LOG_LEVEL"); ok {
		store.Strings.Set("einsums.log_level", v)
		if lvl, ok := rtlog.ParseLevel(v); ok {
			rtlog.SetLevel(lvl)
		}
	}
	if v, ok := os.LookupEnv("EINSUMS_LOG_DESTINATION"); ok {
		store.Strings.Set("einsums.log_destination", v)
		switch v {
		case "stderr":
			rtlog.SetOutput(os.Stderr)
		case "stdout":
			rtlog.SetOutput(os.Stdout)
		default:
			if fh, err := os.OpenFile(v, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				rtlog.SetOutput(fh)
			}
		}
	}
	if v, ok := os.LookupEnv("EINSUMS_LOG_FORMAT"); ok {
		store.Strings.Set("einsums.log_format", v)
		rtlog.SetFormat(v)
	}
	for _, key := range []string{
		"EINSUMS_INSTALL_SIGNAL_HANDLERS",
		"EINSUMS_DIAGNOSTICS_ON_TERMINATE",
		"EINSUMS_ATTACH_DEBUGGER",
	} {
		if v, ok := os.LookupEnv(key); ok {
			store.Bools.Set("einsums."+key, v != "0" && v != "false")
		}
	}
	if v, ok := os.LookupEnv("EINSUMS_EXCEPTION_VERBOSITY"); ok {
		store.Strings.Set("einsums.exception_verbosity", v)
		switch v {
		case "0":
			errkind.SetVerbosity(errkind.VerbosityQuiet)
		case "1":
			errkind.SetVerbosity(errkind.VerbosityNormal)
		case "2":
			errkind.SetVerbosity(errkind.VerbosityFull)
		}
	}
}

func getStringOr(store *config.Store, key, def string) string {
	if v, ok := store.Strings.Get(key); ok {
		return v
	}
	return def
}

func getIntOr(store *config.Store, key string, def int) int {
	if v, ok := store.Ints.Get(key); ok {
		return int(v)
	}
	return def
}

// Start is the non-blocking variant of Initialize: it runs the same
// option parsing, topology discovery, affinity resolution, pool
// construction and startup-hook sequence, then returns the live Runtime
// without entering a user main. The caller schedules its own work on
// rt.Pool and finishes with rt.Stop.
func Start(argv []string, params Params) (*Runtime, error) {
	store := config.NewStore()
	applyEnv(store)

	rest, err := cliopts.Parse(argv, store)
	if err != nil {
		return nil, err
	}

	if path, ok := store.Strings.Get("einsums.app_config"); ok && path != "" {
		if err := configfile.Load(path, store); err != nil {
			return nil, err
		}
	}

	topo, err := topology.Discover()
	if err != nil {
		return nil, err
	}

	// threads=cores stores zero, which resolves here to one worker per PU.
	workers := getIntOr(store, "einsums.threads", params.DefaultWorkerCount)
	if workers <= 0 {
		workers = topo.NumPUs()
	}

	req := affinity.Request{
		Workers:   workers,
		PUOffset:  getIntOr(store, "einsums.pu_offset", affinity.Unspecified),
		PUStep:    getIntOr(store, "einsums.pu_step", 1),
		UsedCores: workers,
		Plan:      getStringOr(store, "einsums.bind", ""),
	}
	if d, ok := store.Strings.Get("einsums.affinity"); ok {
		dom, derr := affinity.ParseDomain(d)
		if derr != nil {
			return nil, derr
		}
		req.Domain = dom
	}
	plan, err := affinity.Resolve(topo, req)
	if err != nil {
		return nil, err
	}

	cfg := scheduler.DefaultConfig()
	p := pool.New(topo, plan.Masks, cfg)

	rt := &Runtime{Topo: topo, Plan: plan, Config: store, Pool: p, Args: rest, shutdown: params.Shutdown}

	if want, ok := store.Bools.Get("einsums.no_lock_detection"); ok && want {
		fiber.SetLockDetectionEnabled(false)
	}
	if depth, ok := store.Ints.Get("einsums.trace_depth"); ok {
		fiber.SetDeadlockTraceDepth(int(depth))
	}
	if warn, ok := store.Ints.Get("einsums.spinlock_deadlock_warning_limit"); ok {
		detect, _ := store.Ints.Get("einsums.spinlock_deadlock_detection_limit")
		syncx.SetDeadlockLimits(warn, detect)
	}

	installSignals := params.InstallSignals
	if v, ok := store.Bools.Get("einsums.EINSUMS_INSTALL_SIGNAL_HANDLERS"); ok {
		installSignals = v
	}
	if installSignals {
		rt.installSignalHandlers()
	}

	if params.WatchAppConfig {
		if path, ok := store.Strings.Get("einsums.app_config"); ok && path != "" {
			_ = rt.watchAppConfig(path)
		}
	}

	if dump, ok := store.Bools.Get("einsums.dump_config_initial"); ok && dump {
		dumpConfig(store)
	}

	for _, h := range params.Startup {
		if err := h.Fn(rt); err != nil {
			rt.teardown()
			return nil, errkind.Wrap(errkind.BadLogic,
				fmt.Sprintf("bootstrap: startup hook %q failed", h.Name), err)
		}
	}

	if err := p.Run(); err != nil {
		rt.teardown()
		return nil, err
	}

	if dump, ok := store.Bools.Get("einsums.dump_config"); ok && dump {
		dumpConfig(store)
	}

	return rt, nil
}

// Stop runs the shutdown hooks in reverse registration order, stops the
// pool, and releases the signal handlers and config-file watcher. It is the
// counterpart to Start; Initialize calls it once the user main has
// returned and the pool has drained.
func (rt *Runtime) Stop() error {
	for i := len(rt.shutdown) - 1; i >= 0; i-- {
		h := rt.shutdown[i]
		if err := h.Fn(rt); err != nil {
			rtlog.Error("shutdown hook failed", rtlog.F("hook", h.Name), rtlog.F("err", err))
		}
	}
	err := rt.Pool.Stop()
	rt.teardown()
	return err
}

func (rt *Runtime) teardown() {
	rt.stopSignalHandlers()
	if rt.watcher != nil {
		rt.watcher.Close()
		rt.watcher = nil
	}
}

// Initialize runs the full bootstrap sequence: parse the `--einsums:` CLI
// surface and environment variables into a config.Store, merge any
// `app-config` file, discover topology, resolve an
// affinity plan, build the pool, run startup hooks in order, invoke
// newUserMain(rt) on a fresh fiber, wait for it to return, run shutdown
// hooks in reverse, and stop the pool. newUserMain is given the live
// Runtime so user code can reach its Pool, Config and Args; it returns the
// exit code the user function produced, or a fixed non-zero code if
// bootstrap itself failed before the user function ever ran.
func Initialize(newUserMain func(*Runtime) fiber.Func, argv []string, params Params) int {
	rt, err := Start(argv, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return bootstrapFailureCode
	}

	userMain := newUserMain(rt)
	var userErr error
	wrapped := func(f *fiber.Fiber) error {
		userErr = userMain(f)
		return userErr
	}
	rt.Pool.SpawnUserMain(wrapped)
	rt.Pool.Wait()

	if err := rt.Stop(); err != nil {
		rtlog.Error("pool failed to stop cleanly", rtlog.F("err", err))
	}

	if userErr != nil {
		if code, ok := exitCodeOf(userErr); ok {
			return code
		}
		return 1
	}
	return 0
}

// bootstrapFailureCode is the hard-coded non-zero exit used when bootstrap
// itself fails before userMain ever runs.
const bootstrapFailureCode = 70

// exitCodeOf lets user code request a specific process exit code by
// returning an error wrapping one, without the bootstrap package needing to
// know about any particular user error type.
func exitCodeOf(err error) (int, bool) {
	type coder interface{ ExitCode() int }
	if c, ok := err.(coder); ok {
		return c.ExitCode(), true
	}
	return 0, false
}

func dumpConfig(store *config.Store) {
	for k, v := range store.Strings.Snapshot() {
		rtlog.Info("config", rtlog.F("key", k), rtlog.F("value", v))
	}
	for k, v := range store.Ints.Snapshot() {
		rtlog.Info("config", rtlog.F("key", k), rtlog.F("value", v))
	}
	for k, v := range store.Floats.Snapshot() {
		rtlog.Info("config", rtlog.F("key", k), rtlog.F("value", v))
	}
	for k, v := range store.Bools.Snapshot() {
		rtlog.Info("config", rtlog.F("key", k), rtlog.F("value", v))
	}
}

// installSignalHandlers arms the terminating-signal set; on delivery
// it logs a diagnostic and stops the pool. SIGINT then keeps being
// watched; any other signal has its default disposition restored and is
// re-raised. Handlers the user installed with signal.Notify are not
// checked for; since signal.Notify is additive, they fire as well.
func (rt *Runtime) installSignalHandlers() {
	rt.sigCh = make(chan os.Signal, len(terminatingSignals))
	signal.Notify(rt.sigCh, terminatingSignals...)
	go func() {
		for sig := range rt.sigCh {
			rtlog.Error("terminating signal received", rtlog.F("signal", sig.String()))
			_ = rt.Pool.Stop()
			if sig == os.Interrupt {
				continue
			}
			signal.Stop(rt.sigCh)
			signal.Reset(sig)
			proc, err := os.FindProcess(os.Getpid())
			if err == nil {
				_ = proc.Signal(sig)
			}
			return
		}
	}()
}

func (rt *Runtime) stopSignalHandlers() {
	if rt.sigCh != nil {
		signal.Stop(rt.sigCh)
		close(rt.sigCh)
		rt.sigCh = nil
	}
}

// watchAppConfig starts an fsnotify watch on path's containing directory
// (fsnotify watches directories more reliably than bare-file inodes across
// editors that replace-on-save) and re-merges the file into rt.Config on
// every write/create event naming it, per C15's live-reload requirement.
func (rt *Runtime) watchAppConfig(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := path
	if i := lastSlash(path); i >= 0 {
		dir = path[:i]
	} else {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	rt.watcher = w
	rt.appConfig = path

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := configfile.Load(path, rt.Config); err != nil {
					rtlog.Warn("app-config reload failed", rtlog.F("path", path), rtlog.F("err", err))
				} else {
					rtlog.Info("app-config reloaded", rtlog.F("path", path))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				rtlog.Warn("app-config watch error", rtlog.F("err", err))
			}
		}
	}()
	return nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
