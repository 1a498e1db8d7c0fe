package errkind

import (
	"errors"
	"strings"
	"testing"
)

func TestNewCapturesLocation(t *testing.T) {
	e := New(BadParameter, "bad thing")
	if e.Kind != BadParameter {
		t.Fatalf("kind = %v", e.Kind)
	}
	if !strings.Contains(e.File, "errkind_test.go") {
		t.Fatalf("file = %q, want errkind_test.go", e.File)
	}
	if e.PID == 0 {
		t.Fatalf("pid not populated")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := Wrap(OutOfMemory, "alloc failed", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("errors.Is did not find wrapped cause")
	}
}

func TestKindIs(t *testing.T) {
	e := New(Deadlock, "stuck")
	if !errors.Is(e, Sentinel(Deadlock)) {
		t.Fatalf("expected Is match on kind")
	}
	if errors.Is(e, Sentinel(BadLogic)) {
		t.Fatalf("unexpected Is match across kinds")
	}
}

func TestVerbosity(t *testing.T) {
	e := New(InvalidStatus, "oops").WithBacktrace(4).WithConfig(map[string]string{"k": "v"})
	SetVerbosity(VerbosityQuiet)
	defer SetVerbosity(VerbosityNormal)
	if got := e.Error(); !strings.HasPrefix(got, "[invalid_status]") {
		t.Fatalf("quiet rendering = %q", got)
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		BadParameter:        "bad_parameter",
		YieldAborted:        "yield_aborted",
		DeadlockOnSuspend:   "deadlock_on_suspend",
		InvalidConfigSyntax: "invalid_config_syntax",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
