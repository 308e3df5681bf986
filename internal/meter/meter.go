// Package meter produces the measurements the device reports: total
// energy from the building's electricity meter, the S0 impulse counters,
// board temperature, and flash wear.
package meter

import (
	"context"
	"math"
	"time"
)

// Measurement is one timestamped reading. Ephemeral: it exists until it
// has been encoded into an uplink payload or dropped under backpressure.
type Measurement struct {
	At time.Time

	// FlashWearFraction is consumed flash endurance, 0 new to 1 worn out
	FlashWearFraction float32

	// TemperatureC is the board temperature in degrees Celsius
	TemperatureC float32

	// MainMeterKWh is the total import register of the main meter. NaN
	// when the meter did not answer within the sampling budget.
	MainMeterKWh float32

	// MeterID is the identification the meter reported, 0 if unknown
	MeterID uint64

	// S0KWh is the energy accumulated by each S0 impulse channel
	S0KWh []float32
}

// MissingEnergy marks an energy field whose source did not deliver
func MissingEnergy() float32 {
	return float32(math.NaN())
}

// EnergyReader reads the main meter. Implementations must return within
// the context's deadline; a failed read is reported as an error, not
// retried internally, since the next scheduled sample is the retry.
type EnergyReader interface {
	ReadEnergy(ctx context.Context) (EnergyReading, error)
}

// EnergyReading is what the main meter delivers
type EnergyReading struct {
	MeterID  uint64
	TotalKWh float32
}
