package device

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ludgerheide/powermeter-lora/internal/engine"
	"github.com/ludgerheide/powermeter-lora/internal/identity"
	"github.com/ludgerheide/powermeter-lora/internal/meter"
	"github.com/ludgerheide/powermeter-lora/internal/radio"
	"github.com/ludgerheide/powermeter-lora/internal/session"
	"github.com/ludgerheide/powermeter-lora/internal/store"
	"github.com/ludgerheide/powermeter-lora/pkg/lorawan"
)

var testDevAddr = lorawan.DevAddr{0x26, 0x01, 0x14, 0x7b}

type receivedUplink struct {
	fCnt    uint32
	fPort   uint8
	payload []byte
}

// fakeNetwork plays the network server behind the transceiver interface
type fakeNetwork struct {
	t      *testing.T
	mu     sync.Mutex
	appKey lorawan.AES128Key

	nwkSKey lorawan.AES128Key
	appSKey lorawan.AES128Key
	joined  bool

	uplinks []receivedUplink
	pending [][]byte

	// queued application downlink, delivered after the next uplink
	downFCnt    uint32
	downFPort   uint8
	downPayload []byte
}

func (f *fakeNetwork) Configure(radio.TxParams) error { return nil }

func (f *fakeNetwork) uplinkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uplinks)
}

func (f *fakeNetwork) Transmit(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var phy lorawan.PHYPayload
	require.NoError(f.t, phy.UnmarshalBinary(frame))

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		var jr lorawan.JoinRequestPayload
		require.NoError(f.t, jr.UnmarshalBinary(phy.MACPayload))

		ja := lorawan.JoinAcceptPayload{
			JoinNonce: [3]byte{0xaa, 0xbb, 0xcc},
			NetID:     [3]byte{0x00, 0x00, 0x13},
			DevAddr:   testDevAddr,
			RxDelay:   1,
		}
		var err error
		f.nwkSKey, f.appSKey, err = lorawan.DeriveSessionKeys10(f.appKey, ja.JoinNonce, ja.NetID, jr.DevNonce)
		require.NoError(f.t, err)
		f.joined = true

		mac, err := ja.MarshalBinary()
		require.NoError(f.t, err)
		accept := lorawan.PHYPayload{
			MHDR:       lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
			MACPayload: mac,
		}
		require.NoError(f.t, accept.SetJoinAcceptMIC(f.appKey))
		require.NoError(f.t, accept.EncryptJoinAcceptPayload(f.appKey))
		raw, err := accept.MarshalBinary()
		require.NoError(f.t, err)
		f.pending = append(f.pending, raw)

	case lorawan.UnconfirmedDataUp:
		require.True(f.t, f.joined)
		var mp lorawan.MACPayload
		require.NoError(f.t, mp.Unmarshal(phy.MACPayload, true))

		fCnt := uint32(mp.FHDR.FCnt)
		ok, err := phy.ValidateUplinkDataMIC(f.nwkSKey, fCnt)
		require.NoError(f.t, err)
		require.True(f.t, ok)

		up := receivedUplink{fCnt: fCnt}
		if mp.FPort != nil {
			up.fPort = *mp.FPort
			up.payload, err = lorawan.EncryptFRMPayload(f.appSKey, testDevAddr, fCnt, true, mp.FRMPayload)
			require.NoError(f.t, err)
		}
		f.uplinks = append(f.uplinks, up)

		if f.downPayload != nil {
			f.pushDownlink()
			f.downPayload = nil
		}

	default:
		f.t.Fatalf("unexpected uplink type %s", phy.MHDR.MType)
	}
	return nil
}

func (f *fakeNetwork) pushDownlink() {
	encrypted, err := lorawan.EncryptFRMPayload(f.appSKey, testDevAddr, f.downFCnt, false, f.downPayload)
	require.NoError(f.t, err)
	fPort := f.downFPort
	mp := lorawan.MACPayload{
		FHDR:       lorawan.FHDR{DevAddr: testDevAddr, FCnt: uint16(f.downFCnt)},
		FPort:      &fPort,
		FRMPayload: encrypted,
	}
	mac, err := mp.Marshal(false)
	require.NoError(f.t, err)
	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.UnconfirmedDataDown, Major: lorawan.LoRaWAN1_0},
		MACPayload: mac,
	}
	require.NoError(f.t, phy.SetDownlinkDataMIC(f.nwkSKey, f.downFCnt))
	raw, err := phy.MarshalBinary()
	require.NoError(f.t, err)
	f.pending = append(f.pending, raw)
}

func (f *fakeNetwork) Receive(context.Context, radio.Window) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	raw := f.pending[0]
	f.pending = f.pending[1:]
	return raw, nil
}

type stubSampler struct {
	m meter.Measurement
}

func (s stubSampler) Sample(context.Context) (meter.Measurement, error) {
	return s.m, nil
}

func writeProvisioning(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		identity.DevEUIFile: "0807060504030201",
		identity.AppEUIFile: "0102030405060708",
		identity.AppKeyFile: "000102030405060708090a0b0c0d0e0f",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
}

type rig struct {
	device    *Device
	engine    *engine.Engine
	session   *session.Manager
	network   *fakeNetwork
	s0        *meter.S0Bank
	flashPath string
}

func newRig(t *testing.T, sampler meter.Sampler) *rig {
	t.Helper()
	dir := t.TempDir()
	writeProvisioning(t, dir)
	ident, err := identity.Load(dir)
	require.NoError(t, err)

	flashPath := filepath.Join(dir, "session.bin")
	ff, err := store.OpenFileFlash(flashPath, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { ff.Close() })
	rs, err := store.New(ff, store.Options{})
	require.NoError(t, err)
	sess, err := session.NewManager(rs, session.Options{S0Channels: 6})
	require.NoError(t, err)

	fn := &fakeNetwork{t: t, appKey: ident.AppKey}
	eng := engine.New(ident, sess, fn, lorawan.GetRegionConfiguration("EU868"), engine.Options{}, zerolog.Nop())
	s0 := meter.NewS0Bank(6, 800, sess.Counters())

	dev := New(sampler, eng, sess, s0, Options{JitterMax: -1}, zerolog.Nop())
	return &rig{device: dev, engine: eng, session: sess, network: fn, s0: s0, flashPath: flashPath}
}

// reopen reads the persisted session the way a restarted process would
func (r *rig) reopen(t *testing.T) session.State {
	t.Helper()
	ff, err := store.OpenFileFlash(r.flashPath, 4096)
	require.NoError(t, err)
	defer ff.Close()
	rs, err := store.New(ff, store.Options{})
	require.NoError(t, err)
	sess, err := session.NewManager(rs, session.Options{S0Channels: 6})
	require.NoError(t, err)
	return sess.Current()
}

func TestFirstJoinAndUplink(t *testing.T) {
	m := meter.Measurement{
		FlashWearFraction: 0.01,
		TemperatureC:      22.5,
		MainMeterKWh:      1234.5,
		S0KWh:             make([]float32, 6),
	}
	r := newRig(t, stubSampler{m: m})
	ctx := context.Background()

	// joining leaves the counter at zero, durably
	require.NoError(t, r.engine.EnsureJoined(ctx))
	persisted := r.reopen(t)
	assert.True(t, persisted.Joined)
	assert.Equal(t, uint32(0), persisted.FCntUp)
	assert.Equal(t, r.network.nwkSKey, persisted.NwkSKey)

	// the first data frame carries counter 1
	require.NoError(t, r.device.cycle(ctx, m))
	require.Len(t, r.network.uplinks, 1)
	up := r.network.uplinks[0]
	assert.Equal(t, uint32(1), up.fCnt)
	assert.Equal(t, uint8(1), up.fPort)

	got, err := meter.Decode(up.payload, 6)
	require.NoError(t, err)
	assert.Equal(t, m.TemperatureC, got.TemperatureC)
	assert.Equal(t, m.MainMeterKWh, got.MainMeterKWh)

	// and was durable before the frame went out
	assert.Equal(t, uint32(1), r.reopen(t).FCntUp)
}

func TestRestartResumesSessionWithoutRejoin(t *testing.T) {
	m := meter.Measurement{S0KWh: make([]float32, 6)}
	r := newRig(t, stubSampler{m: m})
	ctx := context.Background()

	require.NoError(t, r.engine.EnsureJoined(ctx))
	require.NoError(t, r.device.cycle(ctx, m))

	// a new engine over the same flash starts joined
	ff, err := store.OpenFileFlash(r.flashPath, 4096)
	require.NoError(t, err)
	defer ff.Close()
	rs, err := store.New(ff, store.Options{})
	require.NoError(t, err)
	sess, err := session.NewManager(rs, session.Options{S0Channels: 6})
	require.NoError(t, err)

	dir := t.TempDir()
	writeProvisioning(t, dir)
	ident, err := identity.Load(dir)
	require.NoError(t, err)

	eng := engine.New(ident, sess, r.network, lorawan.GetRegionConfiguration("EU868"), engine.Options{}, zerolog.Nop())
	assert.Equal(t, engine.JoinedIdle, eng.State())

	joinsBefore := len(r.network.uplinks)
	require.NoError(t, eng.EnsureJoined(ctx))
	_, err = eng.Send(ctx, 1, []byte{0x01})
	require.NoError(t, err)

	require.Len(t, r.network.uplinks, joinsBefore+1)
	assert.Equal(t, uint32(2), r.network.uplinks[joinsBefore].fCnt)
}

func TestDownlinkSetsS0Counter(t *testing.T) {
	m := meter.Measurement{S0KWh: make([]float32, 6)}
	r := newRig(t, stubSampler{m: m})
	ctx := context.Background()

	require.NoError(t, r.engine.EnsureJoined(ctx))

	// FPort 3 targets channel 2, payload is the new impulse count
	r.network.downFCnt = 0
	r.network.downFPort = 3
	r.network.downPayload = []byte{0x40, 0x1f, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00} // 8000

	require.NoError(t, r.device.cycle(ctx, m))
	assert.Equal(t, uint64(8000), r.s0.Counts()[2])

	// the new count is persisted with the cycle's flush
	assert.Equal(t, uint64(8000), r.reopen(t).Counters[2])
}

func TestDownlinkForUnknownChannelIgnored(t *testing.T) {
	m := meter.Measurement{S0KWh: make([]float32, 6)}
	r := newRig(t, stubSampler{m: m})
	ctx := context.Background()

	require.NoError(t, r.engine.EnsureJoined(ctx))
	r.network.downFCnt = 0
	r.network.downFPort = 9
	r.network.downPayload = []byte{1, 0, 0, 0, 0, 0, 0, 0}

	require.NoError(t, r.device.cycle(ctx, m))
	assert.Equal(t, make([]uint64, 6), r.s0.Counts())
}

func TestDownlinkWithBadLengthIgnored(t *testing.T) {
	m := meter.Measurement{S0KWh: make([]float32, 6)}
	r := newRig(t, stubSampler{m: m})
	ctx := context.Background()

	require.NoError(t, r.engine.EnsureJoined(ctx))
	r.network.downFCnt = 0
	r.network.downFPort = 1
	r.network.downPayload = []byte{1, 2, 3}

	require.NoError(t, r.device.cycle(ctx, m))
	assert.Equal(t, make([]uint64, 6), r.s0.Counts())
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := newMeasurementQueue(2)

	assert.False(t, q.Push(meter.Measurement{TemperatureC: 1}))
	assert.False(t, q.Push(meter.Measurement{TemperatureC: 2}))
	assert.True(t, q.Push(meter.Measurement{TemperatureC: 3}))
	assert.Equal(t, 2, q.Len())

	m, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float32(2), m.TemperatureC)
	m, err = q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float32(3), m.TemperatureC)
}

func TestQueuePopHonorsContext(t *testing.T) {
	q := newMeasurementQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// deferOnceEngine refuses the first uplink the way a spent duty-cycle
// budget would, then accepts everything.
type deferOnceEngine struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (e *deferOnceEngine) EnsureJoined(context.Context) error { return nil }

func (e *deferOnceEngine) Send(_ context.Context, _ uint8, payload []byte) (*engine.Downlink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = append(e.payloads, append([]byte(nil), payload...))
	if len(e.payloads) == 1 {
		return nil, engine.ErrTxDeferred
	}
	return nil, nil
}

func (e *deferOnceEngine) sent() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.payloads...)
}

func TestDeferredUplinkIsRequeued(t *testing.T) {
	dir := t.TempDir()
	ff, err := store.OpenFileFlash(filepath.Join(dir, "session.bin"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { ff.Close() })
	rs, err := store.New(ff, store.Options{})
	require.NoError(t, err)
	sess, err := session.NewManager(rs, session.Options{})
	require.NoError(t, err)

	eng := &deferOnceEngine{}
	dev := New(stubSampler{}, eng, sess, nil,
		Options{SampleInterval: 5 * time.Millisecond, JitterMax: -1}, zerolog.Nop())

	m := meter.Measurement{MainMeterKWh: 77.5}
	require.False(t, dev.queue.Push(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dev.transmitLoop(ctx)

	// The deferred frame comes back through the queue and goes out as-is
	require.Eventually(t, func() bool {
		return len(eng.sent()) >= 2
	}, 5*time.Second, 5*time.Millisecond)
	sent := eng.sent()
	assert.Equal(t, sent[0], sent[1])
}

func TestRunSamplesAndTransmits(t *testing.T) {
	m := meter.Measurement{MainMeterKWh: 42, S0KWh: make([]float32, 6)}
	r := newRig(t, stubSampler{m: m})
	r.device.opts.SampleInterval = 5 * time.Millisecond
	r.device.opts.JitterMax = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.device.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.network.uplinkCount() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, r.network.joined)
}
