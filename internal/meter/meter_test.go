package meter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Measurement{
		FlashWearFraction: 0.125,
		TemperatureC:      21.5,
		MainMeterKWh:      12345.6,
		S0KWh:             []float32{0, 1.25, 2.5, 3.75, 5, 6.25},
	}

	data, err := Encode(m, 51)
	require.NoError(t, err)
	assert.Len(t, data, 36)

	got, err := Decode(data, 6)
	require.NoError(t, err)
	assert.Equal(t, m.FlashWearFraction, got.FlashWearFraction)
	assert.Equal(t, m.TemperatureC, got.TemperatureC)
	assert.Equal(t, m.MainMeterKWh, got.MainMeterKWh)
	assert.Equal(t, m.S0KWh, got.S0KWh)
}

func TestEncodeIsLittleEndian(t *testing.T) {
	m := Measurement{FlashWearFraction: 1.0}
	data, err := Encode(m, 51)
	require.NoError(t, err)
	// 1.0 as IEEE 754 is 0x3f800000
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, data[0:4])
}

func TestEncodeMissingEnergyIsNaN(t *testing.T) {
	m := Measurement{MainMeterKWh: MissingEnergy()}
	data, err := Encode(m, 51)
	require.NoError(t, err)

	got, err := Decode(data, 0)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(got.MainMeterKWh)))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	m := Measurement{S0KWh: make([]float32, 16)}
	_, err := Encode(m, 51)
	assert.Error(t, err)
}

type iecTransport struct {
	response string
	written  bytes.Buffer
	reader   io.Reader
}

func newIECTransport(response string) *iecTransport {
	return &iecTransport{response: response}
}

func (f *iecTransport) Write(p []byte) (int, error) {
	f.written.Write(p)
	if f.reader == nil {
		f.reader = bytes.NewBufferString(f.response)
	}
	return len(p), nil
}

func (f *iecTransport) Read(p []byte) (int, error) {
	if f.reader == nil {
		return 0, io.EOF
	}
	return f.reader.Read(p)
}

const sampleReadout = "/EMH5\\@01LZQJL0014E\r\n" +
	"C.1(31415926)\r\n" +
	"1.8.0(012345.6*kWh)\r\n" +
	"2.8.0(000001.2*kWh)\r\n" +
	"!\r\n"

func TestIECMeterParsesReadout(t *testing.T) {
	tr := newIECTransport(sampleReadout)
	m := NewIECMeter(tr, IECOptions{}, zerolog.Nop())

	reading, err := m.ReadEnergy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/?!\r\n", tr.written.String())
	assert.Equal(t, uint64(31415926), reading.MeterID)
	assert.InDelta(t, 12345.6, float64(reading.TotalKWh), 0.01)
}

func TestIECMeterStripsParityBit(t *testing.T) {
	raw := []byte(sampleReadout)
	for i := range raw {
		raw[i] |= 0x80
	}
	tr := newIECTransport(string(raw))
	m := NewIECMeter(tr, IECOptions{}, zerolog.Nop())

	reading, err := m.ReadEnergy(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 12345.6, float64(reading.TotalKWh), 0.01)
}

func TestIECMeterMissingEnergySentence(t *testing.T) {
	tr := newIECTransport("/EMH5\r\nC.1(1)\r\n!\r\n")
	m := NewIECMeter(tr, IECOptions{}, zerolog.Nop())

	_, err := m.ReadEnergy(context.Background())
	assert.ErrorIs(t, err, ErrNoEnergySentence)
}

func TestParseEnergyValueUnits(t *testing.T) {
	tests := []struct {
		value string
		want  float64
	}{
		{"012345.6*kWh", 12345.6},
		{"1500*Wh", 1.5},
		{"2.5*MWh", 2500},
		{"42", 42},
	}
	for _, tt := range tests {
		got, err := parseEnergyValue(tt.value)
		require.NoError(t, err, tt.value)
		assert.InDelta(t, tt.want, float64(got), 0.001, tt.value)
	}

	_, err := parseEnergyValue("5*V")
	assert.Error(t, err)
	_, err = parseEnergyValue("bogus*kWh")
	assert.Error(t, err)
}

func TestS0BankPulseAndConversion(t *testing.T) {
	bank := NewS0Bank(2, 800, nil)
	for i := 0; i < 800; i++ {
		require.NoError(t, bank.Pulse(0))
	}
	require.NoError(t, bank.Pulse(1))

	kwh := bank.KWh()
	assert.InDelta(t, 1.0, float64(kwh[0]), 1e-6)
	assert.InDelta(t, 1.0/800, float64(kwh[1]), 1e-9)
}

func TestS0BankSetAndRestore(t *testing.T) {
	bank := NewS0Bank(3, 800, []uint64{10, 20, 30})
	assert.Equal(t, []uint64{10, 20, 30}, bank.Counts())

	require.NoError(t, bank.Set(1, 1600))
	assert.Equal(t, []uint64{10, 1600, 30}, bank.Counts())

	assert.Error(t, bank.Pulse(3))
	assert.Error(t, bank.Set(-1, 0))
}

type fixedTemps struct {
	values []float32
	next   int
}

func (f *fixedTemps) ReadTemperature() (float32, error) {
	v := f.values[f.next%len(f.values)]
	f.next++
	return v, nil
}

func TestMedianTemperatureSuppressesGlitch(t *testing.T) {
	src := &fixedTemps{values: []float32{21, 21, 85, 21, 21, 21, 21, 21, 21, 21}}
	got, err := MedianTemperature(src, 10)
	require.NoError(t, err)
	assert.InDelta(t, 21, float64(got), 0.001)
}

type stubEnergy struct {
	reading EnergyReading
	err     error
}

func (s stubEnergy) ReadEnergy(context.Context) (EnergyReading, error) {
	return s.reading, s.err
}

func TestCompositeSamplerDegradesOnMeterFailure(t *testing.T) {
	bank := NewS0Bank(2, 800, []uint64{800, 0})
	s := &CompositeSampler{
		Energy:       stubEnergy{err: errors.New("no answer")},
		S0:           bank,
		WearFraction: func() float64 { return 0.25 },
		Log:          zerolog.Nop(),
	}

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(m.MainMeterKWh)))
	assert.InDelta(t, 0.25, float64(m.FlashWearFraction), 1e-6)
	assert.InDelta(t, 1.0, float64(m.S0KWh[0]), 1e-6)
}

func TestCompositeSamplerFullMeasurement(t *testing.T) {
	s := &CompositeSampler{
		Energy:             stubEnergy{reading: EnergyReading{MeterID: 7, TotalKWh: 100.5}},
		Temperature:        &fixedTemps{values: []float32{20, 21, 22}},
		TemperatureSamples: 3,
		Log:                zerolog.Nop(),
	}

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.MeterID)
	assert.InDelta(t, 100.5, float64(m.MainMeterKWh), 0.001)
	assert.InDelta(t, 21, float64(m.TemperatureC), 0.001)
}
