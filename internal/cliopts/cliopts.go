// Package cliopts parses the runtime's own `--einsums:*` command-line
// surface into a config.Store, leaving every other argument untouched for
// the user's own entry point. It is a prefix-filtering pre-pass run
// before the user program parses its own flags, since runtime options and
// user options share one argv and must not collide.
package cliopts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jturney/Einsums-sub002/internal/config"
	"github.com/jturney/Einsums-sub002/internal/errkind"
)

const prefix = "--einsums:"

// The recognized flag tables map flag name to the config key (and map) it
// populates. Flags that take no "=value" are boolean switches defaulting
// to true when present.
var boolFlags = map[string]string{
	"no-lock-detection":   "einsums.no_lock_detection",
	"dump-config":         "einsums.dump_config",
	"dump-config-initial": "einsums.dump_config_initial",
}

var stringFlags = map[string]string{
	"bind":       "einsums.bind",
	"affinity":   "einsums.affinity",
	"app-config": "einsums.app_config",
}

var intFlags = map[string]string{
	"threads":     "einsums.threads",
	"pu-offset":   "einsums.pu_offset",
	"pu-step":     "einsums.pu_step",
	"trace-depth": "einsums.trace_depth",
}

// Parse scans args (normally os.Args[1:]), merging every recognized
// `--einsums:*` flag into store, and returns the remaining arguments in
// their original order and relative positions, untouched, for forwarding
// to the user's own flag parsing. An unrecognized `--einsums:` flag
// aborts with a usage error.
func Parse(args []string, store *config.Store) (rest []string, err error) {
	for _, a := range args {
		if !strings.HasPrefix(a, prefix) {
			rest = append(rest, a)
			continue
		}
		body := a[len(prefix):]
		name, val, hasVal := strings.Cut(body, "=")

		if name == "threads" && hasVal && val == "cores" {
			// threads=cores requests one worker per available PU; the
			// zero value tells bootstrap to size the pool from the
			// topology.
			store.Ints.Set("einsums.threads", 0)
			continue
		}
		if key, ok := boolFlags[name]; ok {
			if hasVal {
				b, perr := strconv.ParseBool(val)
				if perr != nil {
					return nil, errkind.New(errkind.BadParameter,
						fmt.Sprintf("cliopts: %s: %v", a, perr))
				}
				store.Bools.Set(key, b)
			} else {
				store.Bools.Set(key, true)
			}
			continue
		}
		if key, ok := intFlags[name]; ok {
			if !hasVal {
				return nil, errkind.New(errkind.BadParameter,
					fmt.Sprintf("cliopts: %s requires a value", a))
			}
			n, perr := strconv.ParseInt(val, 10, 64)
			if perr != nil {
				return nil, errkind.New(errkind.BadParameter,
					fmt.Sprintf("cliopts: %s: %v", a, perr))
			}
			store.Ints.Set(key, n)
			continue
		}
		if key, ok := stringFlags[name]; ok {
			if !hasVal {
				return nil, errkind.New(errkind.BadParameter,
					fmt.Sprintf("cliopts: %s requires a value", a))
			}
			store.Strings.Set(key, val)
			continue
		}

		return nil, errkind.New(errkind.BadParameter,
			fmt.Sprintf("cliopts: unrecognized runtime flag %q", a))
	}
	return rest, nil
}
