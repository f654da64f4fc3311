package pricing

import (
	"fmt"
	"math"
	"math/bits"
)

// curve is the capability set every model implements. price must be
// strictly positive and non-increasing in remaining.
type curve interface {
	// price returns the unit price when r units remain in the treasury.
	price(r uint64) uint64

	// runStart returns the smallest r whose price is at most p. Every
	// remaining value in [runStart(p), r] shares price p when price(r) == p.
	runStart(p uint64) uint64

	// estimate returns an initial guess for the largest affordable amount.
	estimate(r, spend uint64) uint64
}

// curveFor dispatches a model tag to its implementation.
func curveFor(m Model, base uint64) (curve, error) {
	if base == 0 || base > MaxBasePrice {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBasePrice, base)
	}
	switch m {
	case SqrtDecay:
		return sqrtDecay{base: base, base2: base * base}, nil
	case InverseLinear:
		return inverseLinear{base: base}, nil
	case Flat:
		return flat{base: base}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, m)
	}
}

// ---------------------------------------------------------------------------
// sqrt decay
// ---------------------------------------------------------------------------

type sqrtDecay struct {
	base  uint64
	base2 uint64
}

// covers reports p²·n ≥ base², i.e. p ≥ base/sqrt(n).
func (c sqrtDecay) covers(p, n uint64) bool {
	hi, lo := bits.Mul64(p*p, n)
	return hi > 0 || lo >= c.base2
}

func (c sqrtDecay) price(r uint64) uint64 {
	n := r + 1
	p := uint64(math.Ceil(float64(c.base) / math.Sqrt(float64(n))))
	if p < 1 {
		p = 1
	}
	if p > c.base {
		p = c.base
	}
	// The float estimate can be off by one in either direction.
	for p > 1 && c.covers(p-1, n) {
		p--
	}
	for !c.covers(p, n) {
		p++
	}
	return p
}

func (c sqrtDecay) runStart(p uint64) uint64 {
	p2 := p * p
	n := c.base2 / p2
	if c.base2%p2 != 0 {
		n++
	}
	if n == 0 {
		return 0
	}
	return n - 1
}

// estimate inverts the integral 2·base·(sqrt(r+1) − sqrt(r−a+1)).
func (c sqrtDecay) estimate(r, spend uint64) uint64 {
	root := math.Sqrt(float64(r) + 1)
	rest := root - float64(spend)/(2*float64(c.base))
	if rest <= 1 {
		return r
	}
	a := float64(r) + 1 - rest*rest
	if a < 1 {
		return 1
	}
	return uint64(a)
}

// ---------------------------------------------------------------------------
// inverse linear
// ---------------------------------------------------------------------------

type inverseLinear struct {
	base uint64
}

func (c inverseLinear) price(r uint64) uint64 {
	n := r + 1
	p := c.base / n
	if c.base%n != 0 {
		p++
	}
	return p
}

func (c inverseLinear) runStart(p uint64) uint64 {
	n := c.base / p
	if c.base%p != 0 {
		n++
	}
	if n == 0 {
		return 0
	}
	return n - 1
}

// estimate has no closed form; the search starts from the bottom.
func (c inverseLinear) estimate(_, _ uint64) uint64 {
	return 1
}

// ---------------------------------------------------------------------------
// flat
// ---------------------------------------------------------------------------

type flat struct {
	base uint64
}

func (c flat) price(uint64) uint64 { return c.base }
func (c flat) runStart(uint64) uint64 { return 0 }
func (c flat) estimate(_, s uint64) uint64 { return s / c.base }

// ---------------------------------------------------------------------------
// shared arithmetic
// ---------------------------------------------------------------------------

// sum returns Σ price(r−i) for i in [0, amount), walking runs of equal price.
// The caller guarantees 1 ≤ amount ≤ r.
func sum(c curve, r, amount uint64) (uint64, error) {
	low := r - amount + 1
	var total uint64
	cur := r
	for {
		p := c.price(cur)
		start := c.runStart(p)
		if start < low {
			start = low
		}
		if start > cur {
			start = cur
		}
		hi, part := bits.Mul64(p, cur-start+1)
		if hi != 0 {
			return 0, ErrOverflow
		}
		var carry uint64
		total, carry = bits.Add64(total, part, 0)
		if carry != 0 {
			return 0, ErrOverflow
		}
		if start == low {
			return total, nil
		}
		cur = start - 1
	}
}

// solve returns the largest amount in [0, min(r, spend)] whose cost fits
// within spend, together with that cost.
func solve(c curve, r, spend uint64) (uint64, uint64) {
	maxAmount := r
	if spend < maxAmount {
		maxAmount = spend
	}
	if maxAmount == 0 {
		return 0, 0
	}
	fits := func(a uint64) bool {
		cost, err := sum(c, r, a)
		return err == nil && cost <= spend
	}
	if !fits(1) {
		return 0, 0
	}

	// Invariant: fits(lo) holds; hi is either maxAmount+1 or !fits(hi).
	lo, hi := uint64(1), maxAmount+1
	guess := c.estimate(r, spend)
	if guess < 1 {
		guess = 1
	}
	if guess > maxAmount {
		guess = maxAmount
	}

	if fits(guess) {
		lo = guess
		for step := uint64(1); ; step *= 2 {
			next := guess + step
			if next > maxAmount || next < guess {
				break
			}
			if !fits(next) {
				hi = next
				break
			}
			lo = next
		}
	} else {
		hi = guess
		for step := uint64(1); step < guess; step *= 2 {
			next := guess - step
			if next <= 1 {
				break
			}
			if fits(next) {
				lo = next
				break
			}
			hi = next
		}
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}

	cost, _ := sum(c, r, lo)
	return lo, cost
}
