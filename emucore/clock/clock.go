// Package clock implements clock domains: local time bases expressed as a
// rational multiple of the master tick. Local ticks are accumulated with an
// integer remainder so no drift builds up over long runs.
package clock

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidRatio is returned for ratios with a zero denominator or that
// cannot be parsed.
var ErrInvalidRatio = errors.New("invalid clock ratio")

// Ratio is the number of local ticks per master tick, Num/Den. A zero
// numerator describes an unclocked component that is never stepped.
type Ratio struct {
	Num uint64
	Den uint64
}

// Unclocked is the ratio of passive components.
var Unclocked = Ratio{Num: 0, Den: 1}

// Master is the ratio of components running at the master clock rate.
var Master = Ratio{Num: 1, Den: 1}

// NewRatio returns num/den reduced to lowest terms.
func NewRatio(num, den uint64) (Ratio, error) {
	if den == 0 {
		return Ratio{}, errors.Wrapf(ErrInvalidRatio, "%d/%d", num, den)
	}
	if num == 0 {
		return Unclocked, nil
	}
	g := gcd(num, den)
	return Ratio{Num: num / g, Den: den / g}, nil
}

// MustRatio is like NewRatio but panics on error. Meant for literals.
func MustRatio(num, den uint64) Ratio {
	r, err := NewRatio(num, den)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseRatio parses "num/den" or a plain integer.
func ParseRatio(s string) (Ratio, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ratio{}, errors.Wrap(ErrInvalidRatio, "empty")
	}
	numStr, denStr, found := strings.Cut(s, "/")
	if !found {
		denStr = "1"
	}
	num, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return Ratio{}, errors.Wrapf(ErrInvalidRatio, "%q", s)
	}
	den, err := strconv.ParseUint(strings.TrimSpace(denStr), 10, 64)
	if err != nil {
		return Ratio{}, errors.Wrapf(ErrInvalidRatio, "%q", s)
	}
	return NewRatio(num, den)
}

// Active reports whether the ratio ever produces local ticks.
func (r Ratio) Active() bool {
	return r.Num != 0 && r.Den != 0
}

func (r Ratio) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Domain accumulates local ticks for one component. Local tick count after N
// master ticks is always exactly floor(N*Num/Den).
type Domain struct {
	ratio Ratio
	acc   uint64 // remainder numerator, always < Den
	local uint64 // total local ticks produced
}

// NewDomain returns a domain at local tick zero.
func NewDomain(r Ratio) *Domain {
	if r.Den == 0 {
		r = Unclocked
	}
	return &Domain{ratio: r}
}

// Ratio returns the domain's ratio.
func (d *Domain) Ratio() Ratio {
	return d.ratio
}

// Active reports whether the domain is clocked.
func (d *Domain) Active() bool {
	return d.ratio.Active()
}

// Local returns the accumulated local tick count.
func (d *Domain) Local() uint64 {
	return d.local
}

// Remainder returns the fractional part of the accumulator, in units of
// 1/Den local ticks.
func (d *Domain) Remainder() uint64 {
	return d.acc
}

// Set restores the accumulator, used when loading snapshots.
func (d *Domain) Set(local, remainder uint64) error {
	if d.Active() && remainder >= d.ratio.Den {
		return errors.Wrapf(ErrInvalidRatio, "remainder %d out of range for %s", remainder, d.ratio)
	}
	if !d.Active() && remainder != 0 {
		return errors.Wrapf(ErrInvalidRatio, "remainder %d for unclocked domain", remainder)
	}
	d.local = local
	d.acc = remainder
	return nil
}

// Reset puts the domain back at local tick zero.
func (d *Domain) Reset() {
	d.local = 0
	d.acc = 0
}

// Advance moves the domain forward by master ticks and returns the number of
// local ticks that elapsed.
func (d *Domain) Advance(master uint64) uint64 {
	if !d.Active() || master == 0 {
		return 0
	}

	hi, lo := bits.Mul64(master, d.ratio.Num)
	var carry uint64
	lo, carry = bits.Add64(lo, d.acc, 0)
	hi += carry

	if hi >= d.ratio.Den {
		panic(fmt.Sprintf("clock: local tick counter overflow advancing %s by %d", d.ratio, master))
	}

	q, r := bits.Div64(hi, lo, d.ratio.Den)
	d.acc = r
	d.local += q
	return q
}

// UntilNext returns the number of master ticks until the domain produces its
// next local tick, or 0 if the domain is unclocked.
func (d *Domain) UntilNext() uint64 {
	if !d.Active() {
		return 0
	}
	if d.ratio.Num >= d.ratio.Den {
		return 1
	}
	need := d.ratio.Den - d.acc
	return (need + d.ratio.Num - 1) / d.ratio.Num
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
