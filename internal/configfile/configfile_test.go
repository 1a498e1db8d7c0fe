package configfile

import (
	"strings"
	"testing"

	"github.com/jturney/Einsums-sub002/internal/config"
)

func TestParseSectionsAndKeys(t *testing.T) {
	src := `
# a comment
[einsums]
threads = 4

[einsums.stacks]
small = 65536
use-guard-pages = true

[application]
name = demo
`
	f, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(f.Sections))
	}
	v, ok := f.Lookup("einsums.threads")
	if !ok || v != "4" {
		t.Fatalf("lookup einsums.threads = %q,%v, want 4,true", v, ok)
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	if _, err := Parse(strings.NewReader("not-a-key-value-pair")); err == nil {
		t.Fatal("expected an error for a line with no '='")
	}
	if _, err := Parse(strings.NewReader("[unterminated")); err == nil {
		t.Fatal("expected an error for an unterminated section header")
	}
}

func TestExpandSectionReference(t *testing.T) {
	src := `
[einsums]
buffer-size = 128

[application]
double-buffer = $[einsums.buffer-size]/$[einsums.buffer-size]
`
	f, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	raw, _ := f.Lookup("application.double-buffer")
	got, err := Expand(f, raw)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "128/128" {
		t.Fatalf("got = %q, want 128/128", got)
	}
}

func TestExpandEnvWithDefault(t *testing.T) {
	t.Setenv("EINSUMS_CONFIGFILE_TEST_VAR", "")
	f := newFile()
	got, err := Expand(f, "${EINSUMS_CONFIGFILE_TEST_VAR_UNSET:fallback}")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "fallback" {
		t.Fatalf("got = %q, want fallback", got)
	}

	t.Setenv("EINSUMS_CONFIGFILE_TEST_VAR", "set-value")
	got, err = Expand(f, "${EINSUMS_CONFIGFILE_TEST_VAR:fallback}")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "set-value" {
		t.Fatalf("got = %q, want set-value", got)
	}
}

// TestMergeTypeInference: merging a file picks bool/int/float/string by
// the first syntax that parses.
func TestMergeTypeInference(t *testing.T) {
	src := `
[einsums]
threads = 4
ratio = 1.5
use-guard-pages = true
bind = none
`
	f, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	store := config.NewStore()
	if err := Merge(f, store); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if v, ok := store.Ints.Get("einsums.threads"); !ok || v != 4 {
		t.Fatalf("einsums.threads = %v,%v, want 4,true", v, ok)
	}
	if v, ok := store.Floats.Get("einsums.ratio"); !ok || v != 1.5 {
		t.Fatalf("einsums.ratio = %v,%v, want 1.5,true", v, ok)
	}
	if v, ok := store.Bools.Get("einsums.use_guard_pages"); !ok || !v {
		t.Fatalf("einsums.use_guard_pages = %v,%v, want true,true", v, ok)
	}
	if v, ok := store.Strings.Get("einsums.bind"); !ok || v != "none" {
		t.Fatalf("einsums.bind = %v,%v, want none,true", v, ok)
	}
}
