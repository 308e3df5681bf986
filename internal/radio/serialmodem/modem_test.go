package serialmodem

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/ludgerheide/powermeter-lora/internal/radio"
)

// fakePort scripts modem response lines. Reads past the end of the script
// behave like a timed-out serial read (0 bytes, no error), which is what
// the real driver returns when the read timeout expires.
type fakePort struct {
	serial.Port

	script      []string
	wrote       []string
	readTimeout time.Duration
	timeoutSet  bool
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.wrote = append(f.wrote, strings.TrimSpace(string(p)))
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if !f.timeoutSet {
		panic("read before any read timeout was set")
	}
	if len(f.script) == 0 {
		return 0, nil
	}
	line := f.script[0]
	f.script = f.script[1:]
	return copy(p, line), nil
}

func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.readTimeout = t
	f.timeoutSet = true
	return nil
}

func (f *fakePort) Close() error { return nil }

func newFakeModem(script ...string) (*Modem, *fakePort) {
	fp := &fakePort{script: script}
	return &Modem{port: fp, reader: bufio.NewReader(fp)}, fp
}

func TestConfigureSendsFrequencyAndDataRate(t *testing.T) {
	m, fp := newFakeModem("+OK\r\n", "+OK\r\n")

	err := m.Configure(radio.TxParams{Frequency: 868100000, DataRate: 5})
	require.NoError(t, err)

	assert.Equal(t, []string{"AT+FREQ=868100000", "AT+DR=5"}, fp.wrote)
	assert.Equal(t, commandTimeout, fp.readTimeout)
}

func TestConfigureSilentModemReturnsError(t *testing.T) {
	m, fp := newFakeModem() // modem never answers

	err := m.Configure(radio.TxParams{Frequency: 868100000, DataRate: 0})
	require.Error(t, err)
	assert.True(t, fp.timeoutSet)
	assert.Equal(t, commandTimeout, fp.readTimeout)
}

func TestConfigureModemErrorResponse(t *testing.T) {
	m, _ := newFakeModem("+ERR=2\r\n")

	err := m.Configure(radio.TxParams{Frequency: 868100000, DataRate: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "+ERR=2")
}

func TestTransmitHexEncodesPayload(t *testing.T) {
	m, fp := newFakeModem("+OK\r\n")

	err := m.Transmit(context.Background(), []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	assert.Equal(t, []string{"AT+SEND=DEADBEEF"}, fp.wrote)
}

func TestTransmitRejectedByModem(t *testing.T) {
	m, _ := newFakeModem("+ERR=busy\r\n")

	err := m.Transmit(context.Background(), []byte{0x01})
	require.Error(t, err)
}

func TestReceiveDecodesFrame(t *testing.T) {
	m, _ := newFakeModem("status line\r\n", "+RCV=20A1B2\r\n")

	payload, err := m.Receive(context.Background(), radio.Window{Duration: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0xa1, 0xb2}, payload)
}

func TestReceiveEmptyWindow(t *testing.T) {
	m, _ := newFakeModem()

	payload, err := m.Receive(context.Background(), radio.Window{Duration: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, payload)
}
