package engine

import (
	"math/rand"
	"time"
)

const (
	joinBackoffBase = 1 * time.Second
	joinBackoffCap  = 2048 * time.Second
	joinJitterFrac  = 0.25
)

// JoinBackoff produces the wait between failed join attempts: an
// exponential ladder from 1 s doubling to a 2048 s cap, with additive
// jitter so a power cut does not make a whole fleet rejoin in lockstep.
type JoinBackoff struct {
	attempt int
	rng     *rand.Rand
}

// NewJoinBackoff seeds the jitter source. A nil source uses wall time.
func NewJoinBackoff(rng *rand.Rand) *JoinBackoff {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &JoinBackoff{rng: rng}
}

// Next returns the wait before the next attempt and advances the ladder
func (b *JoinBackoff) Next() time.Duration {
	d := joinBackoffBase << b.attempt
	if d >= joinBackoffCap {
		d = joinBackoffCap
	} else {
		b.attempt++
	}
	jitter := time.Duration(b.rng.Int63n(int64(float64(d)*joinJitterFrac) + 1))
	return d + jitter
}

// Base returns the next wait without jitter, used for reporting
func (b *JoinBackoff) Base() time.Duration {
	d := joinBackoffBase << b.attempt
	if d > joinBackoffCap {
		return joinBackoffCap
	}
	return d
}

// Reset returns the ladder to its base after a successful join
func (b *JoinBackoff) Reset() {
	b.attempt = 0
}
