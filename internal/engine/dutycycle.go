package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ludgerheide/powermeter-lora/pkg/lorawan"
)

// ErrDutyCycle marks a transmission the regulatory budget does not allow
var ErrDutyCycle = errors.New("duty cycle budget exhausted")

// defaultDutyCycleWindow is the observation window the airtime budget is
// accounted over. ETSI phrases the limit as a fraction of any hour.
const defaultDutyCycleWindow = time.Hour

type airtimeEntry struct {
	at  time.Time
	air time.Duration
}

// DutyCycleLedger tracks transmitted airtime per regulatory sub-band
// over a sliding window and decides when the next transmission may go
// out. Not safe for concurrent use; the engine goroutine owns it.
type DutyCycleLedger struct {
	region *lorawan.RegionConfiguration
	window time.Duration
	now    func() time.Time

	// one history per sub-band, index-aligned with region.SubBands
	history [][]airtimeEntry
}

// NewDutyCycleLedger creates an empty ledger for the region. now may be
// nil outside of tests.
func NewDutyCycleLedger(region *lorawan.RegionConfiguration, now func() time.Time) *DutyCycleLedger {
	if now == nil {
		now = time.Now
	}
	return &DutyCycleLedger{
		region:  region,
		window:  defaultDutyCycleWindow,
		now:     now,
		history: make([][]airtimeEntry, len(region.SubBands)),
	}
}

// Admit decides whether a transmission of the given airtime on the given
// frequency may start now. It returns the wait until the budget allows
// it, zero when it may go out immediately. ErrDutyCycle is returned only
// when the transmission can never fit, meaning its own airtime exceeds
// the whole window's budget.
func (l *DutyCycleLedger) Admit(freq uint32, air time.Duration) (time.Duration, error) {
	band, idx, err := l.band(freq)
	if err != nil {
		return 0, err
	}

	budget := time.Duration(float64(l.window) * band.DutyCycle)
	if air > budget {
		return 0, fmt.Errorf("%w: %v airtime exceeds %v per %v on sub-band %s",
			ErrDutyCycle, air, budget, l.window, band.Name)
	}

	now := l.now()
	l.expire(idx, now)

	used := time.Duration(0)
	for _, e := range l.history[idx] {
		used += e.air
	}
	if used+air <= budget {
		return 0, nil
	}

	// Walk the history oldest-first until enough airtime has aged out
	// of the window for the new transmission to fit.
	needed := used + air - budget
	freed := time.Duration(0)
	for _, e := range l.history[idx] {
		freed += e.air
		if freed >= needed {
			return e.at.Add(l.window).Sub(now), nil
		}
	}
	// unreachable while air <= budget, the full history frees `used`
	return l.window, nil
}

// Record books a completed transmission against its sub-band
func (l *DutyCycleLedger) Record(freq uint32, air time.Duration) error {
	_, idx, err := l.band(freq)
	if err != nil {
		return err
	}
	l.history[idx] = append(l.history[idx], airtimeEntry{at: l.now(), air: air})
	return nil
}

func (l *DutyCycleLedger) band(freq uint32) (*lorawan.SubBand, int, error) {
	for i := range l.region.SubBands {
		if l.region.SubBands[i].Contains(freq) {
			return &l.region.SubBands[i], i, nil
		}
	}
	return nil, 0, fmt.Errorf("frequency %d Hz outside %s sub-bands", freq, l.region.Name)
}

func (l *DutyCycleLedger) expire(idx int, now time.Time) {
	cutoff := now.Add(-l.window)
	h := l.history[idx]
	keep := 0
	for keep < len(h) && !h[keep].at.After(cutoff) {
		keep++
	}
	l.history[idx] = h[keep:]
}
