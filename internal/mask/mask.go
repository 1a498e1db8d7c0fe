// Package mask implements the runtime's processing-unit bitset: a dynamic-
// width bitset used to describe which hardware PUs a worker, a topology
// node, or an affinity plan entry may run on.
//
// Width only grows: Set on an index at or past the current width, and Grow
// to a larger width, extend the mask; Grow to a width no larger than the
// current one leaves it unchanged. The width is not frozen after the first
// mutating operation, and nothing shrinks it.
package mask

import (
	"fmt"
	"math/bits"
	"strings"
)

const wordBits = 64

// Mask is an ordered set of PU indices encoded as a bitset of dynamic width.
// The zero value is an empty, zero-width mask ready to use.
type Mask struct {
	words []uint64
	width int
	grown bool
}

// New returns an empty mask pre-sized to hold at least width bits.
func New(width int) *Mask {
	m := &Mask{}
	if width > 0 {
		m.Grow(width)
	}
	return m
}

// Width reports the mask's current bit width.
func (m *Mask) Width() int { return m.width }

// Grow extends the mask's width to at least w bits, zero-filling the new
// bits. It never shrinks: calling Grow with w <= Width is a no-op. Once a
// mask has been grown, it is considered "touched"; per the data model this
// is the point after which width becomes immutable in spirit (callers are
// expected to size a mask once, up front).
func (m *Mask) Grow(w int) {
	if w <= m.width {
		return
	}
	need := (w + wordBits - 1) / wordBits
	if need > len(m.words) {
		nw := make([]uint64, need)
		copy(nw, m.words)
		m.words = nw
	}
	m.width = w
	m.grown = true
}

func (m *Mask) ensure(i int) {
	if i < 0 {
		panic("mask: negative index")
	}
	m.Grow(i + 1)
}

// Set sets bit i, growing the mask if necessary.
func (m *Mask) Set(i int) {
	m.ensure(i)
	m.words[i/wordBits] |= 1 << uint(i%wordBits)
}

// Clear clears bit i. It does not grow the mask; clearing a bit beyond the
// current width is a no-op.
func (m *Mask) Clear(i int) {
	if i < 0 || i >= m.width {
		return
	}
	m.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

// Test reports whether bit i is set. Out-of-range indices read as false.
func (m *Mask) Test(i int) bool {
	if i < 0 || i >= m.width {
		return false
	}
	return m.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// Any reports whether any bit is set.
func (m *Mask) Any() bool {
	for _, w := range m.words {
		if w != 0 {
			return true
		}
	}
	return false
}

// Count returns the population count (number of set bits).
func (m *Mask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// FindFirst returns the index of the lowest set bit, or -1 if the mask is
// empty.
func (m *Mask) FindFirst() int {
	for wi, w := range m.words {
		if w != 0 {
			return wi*wordBits + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// Clone returns an independent copy of m.
func (m *Mask) Clone() *Mask {
	c := &Mask{width: m.width, grown: m.grown}
	c.words = append([]uint64(nil), m.words...)
	return c
}

func binOp(a, b *Mask, f func(x, y uint64) uint64) *Mask {
	w := a.width
	if b.width > w {
		w = b.width
	}
	out := New(w)
	for i := range out.words {
		var x, y uint64
		if i < len(a.words) {
			x = a.words[i]
		}
		if i < len(b.words) {
			y = b.words[i]
		}
		out.words[i] = f(x, y)
	}
	return out
}

// Or returns the bitwise union a | b.
func Or(a, b *Mask) *Mask { return binOp(a, b, func(x, y uint64) uint64 { return x | y }) }

// And returns the bitwise intersection a & b.
func And(a, b *Mask) *Mask { return binOp(a, b, func(x, y uint64) uint64 { return x & y }) }

// Not returns the bitwise complement of m within its own width.
func Not(m *Mask) *Mask {
	out := New(m.width)
	for i := range out.words {
		out.words[i] = ^m.words[i]
	}
	out.maskTrailing()
	return out
}

// maskTrailing clears bits beyond width in the final word so Count/Any/
// FindFirst on a complemented mask don't see phantom bits from word padding.
func (m *Mask) maskTrailing() {
	if m.width == 0 || len(m.words) == 0 {
		return
	}
	rem := m.width % wordBits
	if rem == 0 {
		return
	}
	last := len(m.words) - 1
	m.words[last] &= (uint64(1) << uint(rem)) - 1
}

// Equal reports whether a and b have identical set bits (ignoring any
// difference in allocated width beyond the highest set bit or declared
// width).
func Equal(a, b *Mask) bool {
	n := len(a.words)
	if len(b.words) > n {
		n = len(b.words)
	}
	for i := 0; i < n; i++ {
		var x, y uint64
		if i < len(a.words) {
			x = a.words[i]
		}
		if i < len(b.words) {
			y = b.words[i]
		}
		if x != y {
			return false
		}
	}
	return true
}

// String formats the mask as "0x" followed by big-endian hex digits for
// width <= 64, otherwise "0b" followed by big-endian binary digits. Digits
// are emitted most-significant word first.
func (m *Mask) String() string {
	if m.width <= 64 {
		var v uint64
		if len(m.words) > 0 {
			v = m.words[0]
		}
		digits := (m.width + 3) / 4
		if digits == 0 {
			digits = 1
		}
		return fmt.Sprintf("0x%0*x", digits, v)
	}

	var b strings.Builder
	b.WriteString("0b")
	for bi := m.width - 1; bi >= 0; bi-- {
		if m.Test(bi) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseString parses the "0x..."/"0b..." grammar described in the data
// model, expanding width 4 bits per hex digit or 1 bit per binary digit.
// Leading/trailing whitespace is trimmed before parsing.
func ParseString(s string) (*Mask, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		digits := s[2:]
		if digits == "" {
			return nil, fmt.Errorf("mask: empty hex mask %q", s)
		}
		m := New(len(digits) * 4)
		for i, r := range digits {
			v, err := hexVal(r)
			if err != nil {
				return nil, fmt.Errorf("mask: invalid hex digit %q in %q: %w", r, s, err)
			}
			base := (len(digits) - 1 - i) * 4
			for b := 0; b < 4; b++ {
				if v&(1<<uint(b)) != 0 {
					m.Set(base + b)
				}
			}
		}
		return m, nil
	case strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B"):
		digits := s[2:]
		if digits == "" {
			return nil, fmt.Errorf("mask: empty binary mask %q", s)
		}
		m := New(len(digits))
		n := len(digits)
		for i, r := range digits {
			switch r {
			case '1':
				m.Set(n - 1 - i)
			case '0':
			default:
				return nil, fmt.Errorf("mask: invalid binary digit %q in %q", r, s)
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("mask: unrecognized mask format %q (want 0x.. or 0b..)", s)
	}
}

func hexVal(r rune) (uint64, error) {
	switch {
	case r >= '0' && r <= '9':
		return uint64(r - '0'), nil
	case r >= 'a' && r <= 'f':
		return uint64(r-'a') + 10, nil
	case r >= 'A' && r <= 'F':
		return uint64(r-'A') + 10, nil
	default:
		return 0, fmt.Errorf("not a hex digit")
	}
}
