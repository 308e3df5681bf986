package meter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// IEC 62056-21 mode D readout. The meter answers a wake-up sequence
// with an identification line followed by OBIS data sentences and a
// terminating '!' line. Only the plain 300 baud readout is spoken, no
// baud rate switching.

const (
	iecWakeup     = "/?!\r\n"
	iecTerminator = '!'
	iecBaudRate   = 300
)

var (
	ErrNoEnergySentence = errors.New("meter: readout ended without a 1.8.0 sentence")
	ErrReadoutTimeout   = errors.New("meter: meter did not complete readout in time")
)

// IECMeter reads a meter over an optical probe or RS-485 adapter.
type IECMeter struct {
	rw      io.ReadWriter
	timeout time.Duration
	log     zerolog.Logger
}

// IECOptions configure an IEC 62056-21 readout
type IECOptions struct {
	// Timeout bounds one full readout including the wake-up exchange.
	// A 300 baud readout of a typical register list takes a few
	// seconds. Default 15s.
	Timeout time.Duration
}

// OpenIECMeter opens the named serial device in the 7E1 framing the
// protocol requires and returns a reader for it.
func OpenIECMeter(device string, opts IECOptions, log zerolog.Logger) (*IECMeter, io.Closer, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: iecBaudRate,
		DataBits: 7,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("meter: opening %s: %w", device, err)
	}
	// the per-read timeout only has to be short enough that the
	// readout loop notices cancellation
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("meter: setting read timeout on %s: %w", device, err)
	}
	return NewIECMeter(port, opts, log), port, nil
}

// NewIECMeter wraps an already open transport. Used directly by tests
// and by transports that are not serial ports.
func NewIECMeter(rw io.ReadWriter, opts IECOptions, log zerolog.Logger) *IECMeter {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &IECMeter{rw: rw, timeout: opts.Timeout, log: log}
}

// ReadEnergy performs one full readout and returns the meter's
// identification and total import energy.
func (m *IECMeter) ReadEnergy(ctx context.Context) (EnergyReading, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		reading EnergyReading
		err     error
	}
	done := make(chan result, 1)
	go func() {
		r, err := m.readout()
		done <- result{r, err}
	}()

	select {
	case r := <-done:
		return r.reading, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return EnergyReading{}, ErrReadoutTimeout
		}
		return EnergyReading{}, ctx.Err()
	}
}

func (m *IECMeter) readout() (EnergyReading, error) {
	if _, err := io.WriteString(m.rw, iecWakeup); err != nil {
		return EnergyReading{}, fmt.Errorf("meter: sending wake-up: %w", err)
	}

	var (
		reading   EnergyReading
		sawEnergy bool
	)
	scanner := bufio.NewScanner(m.rw)
	for scanner.Scan() {
		line := sanitizeLine(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] == '/' {
			// identification line, e.g. "/EMH5\\@01LZQJL0014E"
			m.log.Debug().Str("ident", line).Msg("meter identification")
			continue
		}
		if line[0] == iecTerminator {
			break
		}

		obis, value, ok := splitSentence(line)
		if !ok {
			continue
		}
		switch {
		case obis == "C.1" || obis == "0.0.0":
			if id, err := strconv.ParseUint(value, 10, 64); err == nil {
				reading.MeterID = id
			}
		case obis == "1.8.0" || strings.HasPrefix(obis, "1.8.0*"):
			kwh, err := parseEnergyValue(value)
			if err != nil {
				return EnergyReading{}, err
			}
			reading.TotalKWh = kwh
			sawEnergy = true
		}
	}
	if err := scanner.Err(); err != nil {
		return EnergyReading{}, fmt.Errorf("meter: reading sentences: %w", err)
	}
	if !sawEnergy {
		return EnergyReading{}, ErrNoEnergySentence
	}
	return reading, nil
}

// sanitizeLine strips the parity bit some optical probes leave set and
// surrounding whitespace.
func sanitizeLine(s string) string {
	b := []byte(s)
	for i := range b {
		b[i] &= 0x7f
	}
	return strings.TrimSpace(string(b))
}

// splitSentence breaks "1.8.0(012345.6*kWh)" into the OBIS code and the
// text between the parentheses.
func splitSentence(line string) (obis, value string, ok bool) {
	open := strings.IndexByte(line, '(')
	if open < 1 || !strings.HasSuffix(line, ")") {
		return "", "", false
	}
	return line[:open], line[open+1 : len(line)-1], true
}

// parseEnergyValue parses a register value like "012345.6*kWh",
// scaling Wh and MWh units to kWh.
func parseEnergyValue(value string) (float32, error) {
	num, unit, _ := strings.Cut(value, "*")
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("meter: energy value %q: %w", value, err)
	}
	switch strings.ToLower(unit) {
	case "kwh", "":
	case "wh":
		v /= 1000
	case "mwh":
		v *= 1000
	default:
		return 0, fmt.Errorf("meter: energy value %q: unknown unit", value)
	}
	return float32(v), nil
}
