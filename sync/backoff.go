package sync

import (
	"math"
	"math/rand/v2"
	gosync "sync"
	"time"
)

const (
	DefaultBackoffBase = 1000 * time.Millisecond
	DefaultBackoffCap  = 60000 * time.Millisecond
)

// Backoff computes exponential retry waits with jitter.
// The wait for attempt n is uniform in [0.5*c, c] where c = min(Base*2^(n-1), Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	mu  gosync.Mutex
	rng *rand.Rand
}

// NewBackoff returns a Backoff whose jitter is drawn from a PCG source seeded with seed.
// A zero seed picks a random one.
func NewBackoff(base, ceiling time.Duration, seed uint64) *Backoff {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Backoff{
		Base: base,
		Cap:  ceiling,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Capped returns the upper bound of the jitter range for attempt.
func (b *Backoff) Capped(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, ceiling := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if math.IsInf(exp, 0) || math.IsNaN(exp) || exp > float64(ceiling) {
		return ceiling
	}
	return time.Duration(exp)
}

// Compute returns the wait before retrying after the given 1-based attempt,
// floored to the millisecond but never below half the capped backoff.
func (b *Backoff) Compute(attempt int) time.Duration {
	capped := b.Capped(attempt)
	low := 0.5 * float64(capped)
	d := time.Duration(low + b.float64()*(float64(capped)-low))
	d = d.Truncate(time.Millisecond)
	if floor := time.Duration(math.Ceil(low/float64(time.Millisecond))) * time.Millisecond; d < floor {
		d = floor
	}
	if d > capped {
		// no whole millisecond lies in [low, capped]
		d = capped
	}
	return d
}

func (b *Backoff) float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil {
		return rand.Float64()
	}
	return b.rng.Float64()
}
