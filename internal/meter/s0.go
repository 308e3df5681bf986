package meter

import (
	"fmt"
	"sync"
)

// DefaultImpulsesPerKWh matches the common 800 imp/kWh S0 meters
const DefaultImpulsesPerKWh = 800

// S0Bank counts impulses from S0 pulse output meters. Pulse arrives
// from the GPIO edge watcher, Set from a downlink, Counts from the
// persistence layer. All methods are safe for concurrent use.
type S0Bank struct {
	mu             sync.Mutex
	counts         []uint64
	impulsesPerKWh float64
}

// NewS0Bank creates a bank with the given channel count, restoring the
// persisted impulse counts.
func NewS0Bank(channels int, impulsesPerKWh float64, restored []uint64) *S0Bank {
	if impulsesPerKWh <= 0 {
		impulsesPerKWh = DefaultImpulsesPerKWh
	}
	counts := make([]uint64, channels)
	copy(counts, restored)
	return &S0Bank{counts: counts, impulsesPerKWh: impulsesPerKWh}
}

// Channels returns the number of S0 channels
func (b *S0Bank) Channels() int {
	return len(b.counts)
}

// Pulse records one impulse on the given channel
func (b *S0Bank) Pulse(channel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel < 0 || channel >= len(b.counts) {
		return fmt.Errorf("meter: s0 channel %d out of range", channel)
	}
	b.counts[channel]++
	return nil
}

// Set overwrites a channel's impulse count, used when a downlink
// synchronizes a counter to the meter's mechanical register.
func (b *S0Bank) Set(channel int, count uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel < 0 || channel >= len(b.counts) {
		return fmt.Errorf("meter: s0 channel %d out of range", channel)
	}
	b.counts[channel] = count
	return nil
}

// Counts returns a snapshot of the impulse counts for persistence
func (b *S0Bank) Counts() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, len(b.counts))
	copy(out, b.counts)
	return out
}

// KWh converts the impulse counts to energy
func (b *S0Bank) KWh() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float32, len(b.counts))
	for i, c := range b.counts {
		out[i] = float32(float64(c) / b.impulsesPerKWh)
	}
	return out
}
