// Package serialmodem drives an AT-command LoRa modem attached over a
// serial port, exposing it as a radio.Transceiver. The modem owns the PHY;
// this driver only moves framed payloads and radio parameters across the
// UART.
package serialmodem

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/ludgerheide/powermeter-lora/internal/radio"
)

const (
	defaultBaud    = 115200
	commandTimeout = 2 * time.Second
)

// Modem is a serial-attached LoRa modem
type Modem struct {
	mu     sync.Mutex
	port   serial.Port
	reader *bufio.Reader
}

// Open attaches to the modem's serial port
func Open(device string, baud int) (*Modem, error) {
	if baud == 0 {
		baud = defaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open modem port %s: %w", device, err)
	}

	// A silent or unplugged modem must not block reads forever. Transmit
	// and Receive tighten this per call.
	if err := port.SetReadTimeout(commandTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return &Modem{port: port, reader: bufio.NewReader(port)}, nil
}

// Close releases the serial port
func (m *Modem) Close() error {
	return m.port.Close()
}

// Configure sets the modem's frequency and data rate
func (m *Modem) Configure(params radio.TxParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.port.SetReadTimeout(commandTimeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	if _, err := m.command(fmt.Sprintf("AT+FREQ=%d", params.Frequency)); err != nil {
		return fmt.Errorf("set frequency: %w", err)
	}
	if _, err := m.command(fmt.Sprintf("AT+DR=%d", params.DataRate)); err != nil {
		return fmt.Errorf("set data rate: %w", err)
	}
	return nil
}

// Transmit sends one frame and blocks until the modem confirms it is on
// the air or ctx expires
func (m *Modem) Transmit(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(commandTimeout)
	}
	if err := m.port.SetReadTimeout(time.Until(deadline)); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}

	resp, err := m.command(fmt.Sprintf("AT+SEND=%s", strings.ToUpper(hex.EncodeToString(payload))))
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	if !strings.HasPrefix(resp, "+OK") {
		return fmt.Errorf("transmit rejected: %q", resp)
	}

	log.Debug().Int("bytes", len(payload)).Msg("frame handed to modem")
	return nil
}

// Receive waits out the window delay and then listens for a +RCV line
// until the window closes. A closed-empty window returns (nil, nil).
func (m *Modem) Receive(ctx context.Context, window radio.Window) ([]byte, error) {
	select {
	case <-time.After(window.Delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.port.SetReadTimeout(window.Duration); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	deadline := time.Now().Add(window.Duration)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := m.reader.ReadString('\n')
		if err != nil {
			// Timed-out read: window closed without a frame
			return nil, nil
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "+RCV=") {
			continue
		}

		payload, err := hex.DecodeString(strings.ToLower(strings.TrimPrefix(line, "+RCV=")))
		if err != nil {
			return nil, fmt.Errorf("undecodable receive line %q: %w", line, err)
		}
		return payload, nil
	}
	return nil, nil
}

// command writes one AT command and reads the single response line.
// Callers hold m.mu.
func (m *Modem) command(cmd string) (string, error) {
	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}

	line, err := m.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read response to %q: %w", cmd, err)
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "+ERR") {
		return "", fmt.Errorf("modem error for %q: %s", cmd, line)
	}
	return line, nil
}
