package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ludgerheide/powermeter-lora/internal/store"
	"github.com/ludgerheide/powermeter-lora/pkg/lorawan"
)

const stateVersion = 2

// ErrNotJoined is returned when an operation needs a valid session and
// the device has none
var ErrNotJoined = errors.New("no valid session")

// State is the mutable LoRaWAN session plus the metering counters that
// persist alongside it. Everything here lives in one flash record so a
// restart recovers both in a single consistent generation.
type State struct {
	Joined bool

	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	// FCntUp is the last uplink counter value handed out (or, freshly
	// loaded from flash, the reservation ceiling below which no value may
	// ever be handed out again)
	FCntUp uint32

	// FCntDown is the next downlink counter value the device will accept
	FCntDown uint32

	ChannelIndex uint8
	DataRate     uint8

	// RX1DROffset, RX2DataRate and RxDelay are the receive window
	// parameters the network assigned in the join accept. RxDelay is in
	// seconds; the wire value 0 means 1 s.
	RX1DROffset uint8
	RX2DataRate uint8
	RxDelay     uint8

	// Counters are the cumulative S0 impulse counts, persisted so they
	// keep counting up across restarts
	Counters []uint64
}

// Manager owns the session state and is its only writer. All mutating
// operations persist to the record store before returning, so the
// in-memory view is never ahead of flash where that would matter: an
// uplink counter is durable before the corresponding frame exists.
type Manager struct {
	mu    sync.Mutex
	store *store.RecordStore
	state State

	// persistEvery batches counter persistence: each flash write reserves
	// this many uplink counter values ahead of the ones handed out, so
	// only every N-th advance pays for a write. A restart resumes at the
	// reservation ceiling, skipping unused values but never reusing one.
	// 1 writes on every advance.
	persistEvery uint32

	// persistedUp is the FCntUp value currently on flash, always >= the
	// last value handed out
	persistedUp uint32

	countersDirty bool
}

// Options tunes a Manager
type Options struct {
	// PersistEvery is the uplink counter batching window; 0 or 1 persists
	// every advance. Values above 1 trade counter-value gaps after power
	// loss for flash wear.
	PersistEvery uint32

	// S0Channels sizes the counter array for a fresh state
	S0Channels int
}

// NewManager creates a Manager over the record store, recovering persisted
// state if any exists. A blank or corrupt flash yields an empty, not-yet-
// joined session.
func NewManager(rs *store.RecordStore, opts Options) (*Manager, error) {
	persistEvery := opts.PersistEvery
	if persistEvery == 0 {
		persistEvery = 1
	}

	m := &Manager{store: rs, persistEvery: persistEvery}

	rec, err := rs.Load()
	switch {
	case err == nil:
		if err := m.state.unmarshal(rec.Payload); err != nil {
			log.Warn().Err(err).Msg("persisted session undecodable, starting empty")
			m.state = State{}
		}
	case errors.Is(err, store.ErrNoRecord):
		// First boot
	default:
		return nil, fmt.Errorf("load session record: %w", err)
	}

	if m.state.Counters == nil {
		m.state.Counters = make([]uint64, opts.S0Channels)
	}
	m.persistedUp = m.state.FCntUp

	return m, nil
}

// Current returns a copy of the session state. Callers never hold a live
// reference.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.copy()
}

// RecordJoin installs the session established by a join exchange and
// persists it, including the receive window parameters the join accept
// assigned. Frame counters restart at zero: the fresh keys make the old
// counter space unreachable, so this is not a reuse.
func (m *Manager) RecordJoin(devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key,
	dl lorawan.DLSettings, rxDelay uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Joined = true
	m.state.DevAddr = devAddr
	m.state.NwkSKey = nwkSKey
	m.state.AppSKey = appSKey
	m.state.RX1DROffset = dl.RX1DROffset
	m.state.RX2DataRate = dl.RX2DataRate
	m.state.RxDelay = rxDelay & 0x0f
	m.state.FCntUp = 0
	m.state.FCntDown = 0

	if err := m.persistLocked(); err != nil {
		return fmt.Errorf("persist join: %w", err)
	}
	m.persistedUp = 0

	log.Info().Str("dev_addr", devAddr.String()).Msg("session established")
	return nil
}

// AdvanceUplinkCounter returns the frame counter to use for the next
// uplink. The value (or a reservation ceiling covering it) is on flash
// before this returns, which is what makes counter reuse after a power
// cut impossible: a restart resumes strictly above anything handed out.
func (m *Manager) AdvanceUplinkCounter() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Joined {
		return 0, ErrNotJoined
	}

	next := m.state.FCntUp + 1

	if next > m.persistedUp {
		ceiling := next + m.persistEvery - 1

		// Persist with the ceiling, keep the true value in memory
		actual := m.state.FCntUp
		m.state.FCntUp = ceiling
		err := m.persistLocked()
		m.state.FCntUp = actual
		if err != nil {
			return 0, fmt.Errorf("persist uplink counter: %w", err)
		}
		m.persistedUp = ceiling
	}

	m.state.FCntUp = next
	return next, nil
}

// RecordDownlinkCounter records an accepted downlink frame counter; the
// next accepted downlink must carry a strictly greater value
func (m *Manager) RecordDownlinkCounter(fCnt uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Joined {
		return ErrNotJoined
	}

	m.state.FCntDown = fCnt + 1
	if err := m.persistLocked(); err != nil {
		return fmt.Errorf("persist downlink counter: %w", err)
	}
	return nil
}

// SetRadioParams records the channel and data rate last used, persisted
// lazily with the next counter write
func (m *Manager) SetRadioParams(channel, dataRate uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ChannelIndex = channel
	m.state.DataRate = dataRate
}

// UpdateCounters replaces the persisted S0 counter values in memory and
// marks them dirty; Flush writes them out
func (m *Manager) UpdateCounters(counts []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Counters = append([]uint64(nil), counts...)
	m.countersDirty = true
}

// Counters returns the persisted S0 counter values
func (m *Manager) Counters() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.state.Counters...)
}

// Flush writes dirty counter state to flash. A no-op when nothing
// changed, so callers may invoke it once per cycle without burning a
// flash write each time.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.countersDirty {
		return nil
	}
	if err := m.persistLocked(); err != nil {
		return fmt.Errorf("persist counters: %w", err)
	}
	return nil
}

// Invalidate clears the joined state, forcing a re-join. Counter values
// and keys are wiped; the S0 counters survive.
func (m *Manager) Invalidate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Joined = false
	m.state.DevAddr = lorawan.DevAddr{}
	m.state.NwkSKey = lorawan.AES128Key{}
	m.state.AppSKey = lorawan.AES128Key{}
	m.state.RX1DROffset = 0
	m.state.RX2DataRate = 0
	m.state.RxDelay = 0
	m.state.FCntUp = 0
	m.state.FCntDown = 0

	if err := m.persistLocked(); err != nil {
		return fmt.Errorf("persist invalidation: %w", err)
	}
	m.persistedUp = 0

	log.Warn().Msg("session invalidated, re-join required")
	return nil
}

// WearFraction exposes the flash endurance consumed so far for telemetry
func (m *Manager) WearFraction() float64 {
	return m.store.WearFraction()
}

// persistLocked writes the current state as a new record generation. The
// write is synchronous: when it returns nil the record is verified on
// flash. Callers hold m.mu.
func (m *Manager) persistLocked() error {
	if err := m.store.Save(m.state.marshal()); err != nil {
		return err
	}
	m.countersDirty = false
	return nil
}

func (s *State) copy() State {
	cp := *s
	cp.Counters = append([]uint64(nil), s.Counters...)
	return cp
}

func (s *State) marshal() []byte {
	buf := make([]byte, 0, 52+8*len(s.Counters))
	buf = append(buf, stateVersion)
	if s.Joined {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, s.DevAddr[:]...)
	buf = append(buf, s.NwkSKey[:]...)
	buf = append(buf, s.AppSKey[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, s.FCntUp)
	buf = binary.LittleEndian.AppendUint32(buf, s.FCntDown)
	buf = append(buf, s.ChannelIndex, s.DataRate)
	buf = append(buf, s.RX1DROffset, s.RX2DataRate, s.RxDelay)
	buf = append(buf, byte(len(s.Counters)))
	for _, c := range s.Counters {
		buf = binary.LittleEndian.AppendUint64(buf, c)
	}
	return buf
}

func (s *State) unmarshal(data []byte) error {
	if len(data) < 52 {
		return fmt.Errorf("session record too short: %d bytes", len(data))
	}
	if data[0] != stateVersion {
		return fmt.Errorf("unsupported session record version %d", data[0])
	}

	s.Joined = data[1] == 1
	copy(s.DevAddr[:], data[2:6])
	copy(s.NwkSKey[:], data[6:22])
	copy(s.AppSKey[:], data[22:38])
	s.FCntUp = binary.LittleEndian.Uint32(data[38:42])
	s.FCntDown = binary.LittleEndian.Uint32(data[42:46])
	s.ChannelIndex = data[46]
	s.DataRate = data[47]
	s.RX1DROffset = data[48]
	s.RX2DataRate = data[49]
	s.RxDelay = data[50]

	n := int(data[51])
	if len(data) < 52+8*n {
		return fmt.Errorf("session record truncated: %d counters, %d bytes", n, len(data))
	}
	s.Counters = make([]uint64, n)
	for i := 0; i < n; i++ {
		s.Counters[i] = binary.LittleEndian.Uint64(data[52+8*i:])
	}
	return nil
}
