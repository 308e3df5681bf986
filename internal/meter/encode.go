package meter

import (
	"encoding/binary"
	"fmt"
	"math"
)

// fixedFields is wear, temperature and main meter energy
const fixedFields = 3

// EncodedSize returns the uplink payload size for a measurement with
// the given number of S0 channels.
func EncodedSize(s0Channels int) int {
	return 4 * (fixedFields + s0Channels)
}

// Encode serializes a measurement into the uplink payload format:
// little-endian IEEE 754 float32s in the order wear fraction,
// temperature, main meter energy, then one value per S0 channel.
// maxPayload is the limit of the current data rate.
func Encode(m Measurement, maxPayload int) ([]byte, error) {
	size := EncodedSize(len(m.S0KWh))
	if size > maxPayload {
		return nil, fmt.Errorf("meter: encoded measurement is %d bytes, data rate allows %d", size, maxPayload)
	}

	out := make([]byte, 0, size)
	out = appendFloat(out, m.FlashWearFraction)
	out = appendFloat(out, m.TemperatureC)
	out = appendFloat(out, m.MainMeterKWh)
	for _, v := range m.S0KWh {
		out = appendFloat(out, v)
	}
	return out, nil
}

// Decode is the inverse of Encode, used when checking what a device
// reported.
func Decode(data []byte, s0Channels int) (Measurement, error) {
	want := EncodedSize(s0Channels)
	if len(data) != want {
		return Measurement{}, fmt.Errorf("meter: payload is %d bytes, want %d", len(data), want)
	}

	var m Measurement
	m.FlashWearFraction = readFloat(data[0:])
	m.TemperatureC = readFloat(data[4:])
	m.MainMeterKWh = readFloat(data[8:])
	m.S0KWh = make([]float32, s0Channels)
	for i := range m.S0KWh {
		m.S0KWh[i] = readFloat(data[12+4*i:])
	}
	return m, nil
}

func appendFloat(b []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
}

func readFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
