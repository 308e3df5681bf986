package lorawan

import (
	"fmt"
	"math"
	"time"
)

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	RX1DROffsetTable    map[int]map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
	RX1Delay            time.Duration
	JoinAcceptDelay1    time.Duration
	JoinAcceptDelay2    time.Duration
	SubBands            []SubBand
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

// SubBand is a regulatory sub-band with a duty-cycle budget: a transmitter
// may occupy at most DutyCycle of any observation window within the band.
type SubBand struct {
	Name      string
	MinFreq   uint32
	MaxFreq   uint32
	DutyCycle float64
}

// Contains reports whether the frequency falls inside the sub-band
func (s SubBand) Contains(freq uint32) bool {
	return freq >= s.MinFreq && freq <= s.MaxFreq
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) *RegionConfiguration {
	switch region {
	case "EU868":
		return &EU868Configuration
	default:
		return &EU868Configuration
	}
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51,
		1: 51,
		2: 51,
		3: 115,
		4: 242,
		5: 242,
		6: 242,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultRX2DR:     0,
	DefaultRX2Freq:   869525000,
	RX1Delay:         1 * time.Second,
	JoinAcceptDelay1: 5 * time.Second,
	JoinAcceptDelay2: 6 * time.Second,
	SubBands: []SubBand{
		{Name: "g", MinFreq: 863000000, MaxFreq: 867999999, DutyCycle: 0.01},
		{Name: "g1", MinFreq: 868000000, MaxFreq: 868599999, DutyCycle: 0.01},
		{Name: "g2", MinFreq: 868700000, MaxFreq: 869199999, DutyCycle: 0.001},
		{Name: "g3", MinFreq: 869400000, MaxFreq: 869649999, DutyCycle: 0.1},
		{Name: "g4", MinFreq: 869700000, MaxFreq: 870000000, DutyCycle: 0.01},
	},
}

// GetRX1DataRateOffset calculates the RX1 data rate for an uplink data rate
func (r *RegionConfiguration) GetRX1DataRateOffset(uplinkDR, rx1DROffset uint8) (uint8, error) {
	if r.RX1DROffsetTable != nil {
		if drMap, ok := r.RX1DROffsetTable[int(uplinkDR)]; ok {
			if dr, ok := drMap[int(rx1DROffset)]; ok {
				return uint8(dr), nil
			}
		}
	}

	// Default behavior
	dr := int(uplinkDR) - int(rx1DROffset)
	if dr < 0 {
		dr = 0
	}
	return uint8(dr), nil
}

// SubBandFor returns the regulatory sub-band covering the frequency
func (r *RegionConfiguration) SubBandFor(freq uint32) (*SubBand, error) {
	for i := range r.SubBands {
		if r.SubBands[i].Contains(freq) {
			return &r.SubBands[i], nil
		}
	}
	return nil, fmt.Errorf("frequency %d Hz outside %s sub-bands", freq, r.Name)
}

// AirTime computes the on-air duration of a LoRa frame of payloadLen bytes
// (PHYPayload) at the given data rate, assuming an 8-symbol preamble,
// explicit header, CRC on, and coding rate 4/5. Low-data-rate optimization
// applies at SF11/SF12 with 125 kHz bandwidth.
func (r *RegionConfiguration) AirTime(payloadLen int, dr int) (time.Duration, error) {
	if dr < 0 || dr >= len(r.DataRates) {
		return 0, fmt.Errorf("data rate %d out of range for %s", dr, r.Name)
	}

	sf := r.DataRates[dr].SpreadFactor
	bw := r.DataRates[dr].Bandwidth * 1000

	tSym := math.Pow(2, float64(sf)) / float64(bw) // seconds

	de := 0.0
	if sf >= 11 && r.DataRates[dr].Bandwidth == 125 {
		de = 1.0
	}

	const (
		preambleSymbols = 8.0
		cr              = 1.0 // 4/5
		crcBits         = 16.0
	)

	num := 8.0*float64(payloadLen) - 4.0*float64(sf) + 28.0 + crcBits
	payloadSymbols := 8.0 + math.Max(math.Ceil(num/(4.0*(float64(sf)-2.0*de)))*(cr+4.0), 0)

	tPreamble := (preambleSymbols + 4.25) * tSym
	tPayload := payloadSymbols * tSym

	return time.Duration((tPreamble + tPayload) * float64(time.Second)), nil
}
