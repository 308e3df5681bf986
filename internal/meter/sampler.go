package meter

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sampler produces measurements on demand
type Sampler interface {
	Sample(ctx context.Context) (Measurement, error)
}

// CompositeSampler assembles a measurement from the main meter, the
// temperature sensor, the S0 bank and the flash wear estimate.
type CompositeSampler struct {
	Energy             EnergyReader
	Temperature        TemperatureSource
	TemperatureSamples int
	S0                 *S0Bank
	WearFraction       func() float64
	Log                zerolog.Logger
}

// Sample reads all sources. A main meter that does not answer degrades
// the measurement to NaN energy instead of failing it, since the other
// channels are still worth reporting. Temperature failures behave the
// same way.
func (s *CompositeSampler) Sample(ctx context.Context) (Measurement, error) {
	m := Measurement{
		At:           time.Now(),
		MainMeterKWh: MissingEnergy(),
	}

	if s.WearFraction != nil {
		m.FlashWearFraction = float32(s.WearFraction())
	}
	if s.S0 != nil {
		m.S0KWh = s.S0.KWh()
	}

	if s.Energy != nil {
		reading, err := s.Energy.ReadEnergy(ctx)
		if err != nil {
			s.Log.Warn().Err(err).Msg("main meter read failed")
		} else {
			m.MainMeterKWh = reading.TotalKWh
			m.MeterID = reading.MeterID
		}
	}

	if s.Temperature != nil {
		samples := s.TemperatureSamples
		if samples < 1 {
			samples = 10
		}
		temp, err := MedianTemperature(s.Temperature, samples)
		if err != nil {
			s.Log.Warn().Err(err).Msg("temperature read failed")
		} else {
			m.TemperatureC = temp
		}
	}

	return m, ctx.Err()
}
