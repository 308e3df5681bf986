package meter

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// TemperatureSource delivers one raw temperature reading
type TemperatureSource interface {
	ReadTemperature() (float32, error)
}

// MedianTemperature takes the given number of readings and returns
// their median, which suppresses the single-sample glitches cheap
// on-board sensors produce.
func MedianTemperature(src TemperatureSource, samples int) (float32, error) {
	if samples < 1 {
		samples = 1
	}
	values := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		v, err := src.ReadTemperature()
		if err != nil {
			return 0, err
		}
		values = append(values, float64(v))
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return float32(values[mid]), nil
	}
	return float32((values[mid-1] + values[mid]) / 2), nil
}

// SysfsThermal reads a Linux thermal zone, millidegrees Celsius in a
// text file.
type SysfsThermal struct {
	Path string
}

func (s SysfsThermal) ReadTemperature() (float32, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, fmt.Errorf("meter: reading thermal zone: %w", err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meter: thermal zone value %q: %w", strings.TrimSpace(string(data)), err)
	}
	return float32(milli) / 1000, nil
}
