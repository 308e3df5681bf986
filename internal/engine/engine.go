// Package engine drives the LoRaWAN Class A exchange: joining the
// network, transmitting uplinks, and handling the receive windows that
// follow each transmission. It owns the radio; nothing else touches it.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ludgerheide/powermeter-lora/internal/identity"
	"github.com/ludgerheide/powermeter-lora/internal/radio"
	"github.com/ludgerheide/powermeter-lora/internal/session"
	"github.com/ludgerheide/powermeter-lora/pkg/lorawan"
)

var (
	ErrJoinTimeout = errors.New("no join accept received")
	ErrTxFailed    = errors.New("radio transmit failed")
	ErrMICMismatch = errors.New("downlink MIC mismatch")

	// ErrTxDeferred reports a duty-cycle wait too long to sit out within
	// the transmit call. The caller decides what to do with the frame.
	ErrTxDeferred = errors.New("transmission deferred for duty cycle")
)

// DeviceState is the engine's position in the Class A state machine
type DeviceState int

const (
	Uninitialized DeviceState = iota
	Joining
	JoinedIdle
	Transmitting
	AwaitingDownlink
	RejoinRequired
)

func (s DeviceState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Joining:
		return "joining"
	case JoinedIdle:
		return "joined_idle"
	case Transmitting:
		return "transmitting"
	case AwaitingDownlink:
		return "awaiting_downlink"
	case RejoinRequired:
		return "rejoin_required"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Downlink is a validated, decrypted application downlink
type Downlink struct {
	FPort   uint8
	FCnt    uint32
	Payload []byte
}

// rxWindowDuration is how long the receiver stays open waiting for a
// preamble in each window
const rxWindowDuration = time.Second

// maxTxDeferral bounds how long transmit sits out a duty-cycle wait
// before handing the frame back with ErrTxDeferred. Longer waits would
// hold the transmit loop while fresher measurements pile up behind it.
const maxTxDeferral = 30 * time.Second

// Options tune an Engine
type Options struct {
	// DataRate for uplinks, default 0 (SF12, robust and slow)
	DataRate uint8

	// TxRetryLimit is how often one frame's transmission is retried
	// within a cycle before giving up, default 3
	TxRetryLimit int

	// MICFailureThreshold is how many consecutive downlink MIC failures
	// invalidate the session, default 3. A single failure is noise, a
	// run of them means the session keys are wrong.
	MICFailureThreshold int

	// MaxJoinAttempts bounds one EnsureJoined call, default 8. The
	// control loop decides whether to try again.
	MaxJoinAttempts int
}

func (o *Options) applyDefaults() {
	if o.TxRetryLimit <= 0 {
		o.TxRetryLimit = 3
	}
	if o.MICFailureThreshold <= 0 {
		o.MICFailureThreshold = 3
	}
	if o.MaxJoinAttempts <= 0 {
		o.MaxJoinAttempts = 8
	}
}

// Engine implements the protocol state machine over a transceiver
type Engine struct {
	ident   *identity.DeviceIdentity
	session *session.Manager
	radio   radio.Transceiver
	region  *lorawan.RegionConfiguration
	duty    *DutyCycleLedger
	backoff *JoinBackoff
	opts    Options
	log     zerolog.Logger

	state       DeviceState
	channelIdx  int
	micFailures int

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an engine. The session manager tells it whether a persisted
// session already exists; if so the engine starts in JoinedIdle and no
// join traffic happens at boot.
func New(ident *identity.DeviceIdentity, sess *session.Manager, tr radio.Transceiver,
	region *lorawan.RegionConfiguration, opts Options, log zerolog.Logger) *Engine {

	opts.applyDefaults()

	e := &Engine{
		ident:   ident,
		session: sess,
		radio:   tr,
		region:  region,
		duty:    NewDutyCycleLedger(region, nil),
		backoff: NewJoinBackoff(nil),
		opts:    opts,
		log:     log,
		state:   Uninitialized,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if sess.Current().Joined {
		e.state = JoinedIdle
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current state machine position
func (e *Engine) State() DeviceState {
	return e.state
}

// EnsureJoined returns once the device holds a valid session, joining
// if necessary. Attempts are spaced by the exponential backoff and
// bounded by MaxJoinAttempts per call; ErrJoinTimeout reports a spent
// attempt budget to the caller.
func (e *Engine) EnsureJoined(ctx context.Context) error {
	if e.session.Current().Joined {
		e.state = JoinedIdle
		return nil
	}

	e.state = Joining
	for attempt := 1; attempt <= e.opts.MaxJoinAttempts; attempt++ {
		err := e.attemptJoin(ctx)
		if err == nil {
			e.backoff.Reset()
			e.micFailures = 0
			e.state = JoinedIdle
			e.log.Info().
				Str("dev_addr", e.session.Current().DevAddr.String()).
				Msg("joined network")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := e.backoff.Next()
		e.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("join attempt failed")
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return ErrJoinTimeout
}

func (e *Engine) attemptJoin(ctx context.Context) error {
	var devNonce lorawan.DevNonce
	if _, err := rand.Read(devNonce[:]); err != nil {
		return fmt.Errorf("draw dev nonce: %w", err)
	}

	jr := lorawan.JoinRequestPayload{
		JoinEUI:  e.ident.JoinEUI,
		DevEUI:   e.ident.DevEUI,
		DevNonce: devNonce,
	}
	mac, err := jr.MarshalBinary()
	if err != nil {
		return err
	}
	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0},
		MACPayload: mac,
	}
	if err := phy.SetJoinRequestMIC(e.ident.AppKey); err != nil {
		return err
	}
	frame, err := phy.MarshalBinary()
	if err != nil {
		return err
	}

	ch := e.nextChannel()
	if err := e.transmit(ctx, ch, frame); err != nil {
		return err
	}
	txAt := e.now()

	// Join accept windows open 5 s and 6 s after the end of the uplink,
	// RX2 on the fixed downlink frequency and data rate.
	raw, err := e.receiveAt(ctx, txAt, e.region.JoinAcceptDelay1, ch.Frequency, e.opts.DataRate)
	if err != nil {
		return err
	}
	if raw == nil {
		raw, err = e.receiveAt(ctx, txAt, e.region.JoinAcceptDelay2,
			e.region.DefaultRX2Freq, uint8(e.region.DefaultRX2DR))
		if err != nil {
			return err
		}
	}
	if raw == nil {
		return ErrJoinTimeout
	}

	return e.handleJoinAccept(raw, devNonce)
}

func (e *Engine) handleJoinAccept(raw []byte, devNonce lorawan.DevNonce) error {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("parse join accept: %w", err)
	}
	if phy.MHDR.MType != lorawan.JoinAccept {
		return fmt.Errorf("expected join accept, got %s", phy.MHDR.MType)
	}
	if err := phy.DecryptJoinAcceptPayload(e.ident.AppKey); err != nil {
		return fmt.Errorf("decrypt join accept: %w", err)
	}
	ok, err := phy.ValidateJoinAcceptMIC(e.ident.AppKey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMICMismatch
	}

	var ja lorawan.JoinAcceptPayload
	if err := ja.UnmarshalBinary(phy.MACPayload); err != nil {
		return fmt.Errorf("parse join accept payload: %w", err)
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(e.ident.AppKey, ja.JoinNonce, ja.NetID, devNonce)
	if err != nil {
		return fmt.Errorf("derive session keys: %w", err)
	}
	return e.session.RecordJoin(ja.DevAddr, nwkSKey, appSKey, ja.DLSettings, ja.RxDelay)
}

// Send transmits one application uplink and works the receive windows
// that follow. The uplink counter is durable before the frame goes on
// air. The returned downlink is nil when the windows closed empty or
// the frame was discarded.
func (e *Engine) Send(ctx context.Context, fPort uint8, payload []byte) (*Downlink, error) {
	state := e.session.Current()
	if !state.Joined {
		return nil, session.ErrNotJoined
	}

	maxApp, ok := e.region.MaxPayloadSizePerDR[int(e.opts.DataRate)]
	if ok && len(payload) > maxApp {
		return nil, fmt.Errorf("payload is %d bytes, DR%d allows %d", len(payload), e.opts.DataRate, maxApp)
	}

	e.state = Transmitting
	defer func() {
		if e.state == Transmitting || e.state == AwaitingDownlink {
			e.state = JoinedIdle
		}
	}()

	fCnt, err := e.session.AdvanceUplinkCounter()
	if err != nil {
		return nil, fmt.Errorf("advance uplink counter: %w", err)
	}

	frame, err := e.buildUplink(state, fCnt, fPort, payload)
	if err != nil {
		return nil, err
	}

	ch := e.nextChannel()
	if err := e.transmit(ctx, ch, frame); err != nil {
		return nil, err
	}
	txAt := e.now()
	e.log.Debug().
		Uint32("fcnt", fCnt).
		Uint32("freq", ch.Frequency).
		Int("bytes", len(frame)).
		Msg("uplink transmitted")

	e.state = AwaitingDownlink

	// Receive windows follow the parameters the join accept assigned:
	// RX1 on the uplink frequency at the offset data rate, RX2 one
	// second later on the fixed downlink frequency.
	rx1Delay := e.region.RX1Delay
	if state.RxDelay > 0 {
		rx1Delay = time.Duration(state.RxDelay) * time.Second
	}
	rx1DR, err := e.region.GetRX1DataRateOffset(e.opts.DataRate, state.RX1DROffset)
	if err != nil {
		return nil, err
	}
	raw, err := e.receiveAt(ctx, txAt, rx1Delay, ch.Frequency, rx1DR)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw, err = e.receiveAt(ctx, txAt, rx1Delay+time.Second,
			e.region.DefaultRX2Freq, state.RX2DataRate)
		if err != nil {
			return nil, err
		}
	}
	if raw == nil {
		return nil, nil
	}
	return e.handleDownlink(raw)
}

func (e *Engine) buildUplink(state session.State, fCnt uint32, fPort uint8, payload []byte) ([]byte, error) {
	encrypted, err := lorawan.EncryptFRMPayload(state.AppSKey, state.DevAddr, fCnt, true, payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	mp := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: state.DevAddr,
			FCnt:    uint16(fCnt),
		},
		FPort:      &fPort,
		FRMPayload: encrypted,
	}
	mac, err := mp.Marshal(true)
	if err != nil {
		return nil, err
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWAN1_0},
		MACPayload: mac,
	}
	if err := phy.SetUplinkDataMIC(state.NwkSKey, fCnt); err != nil {
		return nil, err
	}
	return phy.MarshalBinary()
}

// handleDownlink validates, replay-checks and decrypts a received frame.
// A discarded frame returns (nil, nil): the uplink itself succeeded.
func (e *Engine) handleDownlink(raw []byte) (*Downlink, error) {
	state := e.session.Current()

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(raw); err != nil {
		e.log.Warn().Err(err).Msg("unparseable downlink discarded")
		return nil, nil
	}
	if phy.MHDR.MType != lorawan.UnconfirmedDataDown && phy.MHDR.MType != lorawan.ConfirmedDataDown {
		e.log.Warn().Str("mtype", phy.MHDR.MType.String()).Msg("unexpected downlink type discarded")
		return nil, nil
	}

	var mp lorawan.MACPayload
	if err := mp.Unmarshal(phy.MACPayload, false); err != nil {
		e.log.Warn().Err(err).Msg("unparseable downlink discarded")
		return nil, nil
	}
	if mp.FHDR.DevAddr != state.DevAddr {
		// traffic for another device on the same channel
		return nil, nil
	}

	fullFCnt := lorawan.GetFullFCnt(state.FCntDown, mp.FHDR.FCnt)

	ok, err := phy.ValidateDownlinkDataMIC(state.NwkSKey, fullFCnt)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.micFailures++
		e.log.Warn().
			Int("consecutive", e.micFailures).
			Msg("downlink MIC mismatch, frame discarded")
		if e.micFailures >= e.opts.MICFailureThreshold {
			if err := e.session.Invalidate(); err != nil {
				return nil, err
			}
			e.state = RejoinRequired
			return nil, ErrMICMismatch
		}
		return nil, nil
	}
	e.micFailures = 0

	// Anything at or below the last accepted counter is a replay or a
	// stale retransmission.
	if fullFCnt < state.FCntDown {
		e.log.Warn().
			Uint32("fcnt", fullFCnt).
			Uint32("expected", state.FCntDown).
			Msg("replayed downlink rejected")
		return nil, nil
	}
	if err := e.session.RecordDownlinkCounter(fullFCnt); err != nil {
		return nil, err
	}

	dl := &Downlink{FCnt: fullFCnt}
	if mp.FPort != nil {
		dl.FPort = *mp.FPort
		dl.Payload, err = lorawan.EncryptFRMPayload(state.AppSKey, state.DevAddr, fullFCnt, false, mp.FRMPayload)
		if err != nil {
			return nil, fmt.Errorf("decrypt downlink: %w", err)
		}
	}
	e.log.Info().
		Uint8("fport", dl.FPort).
		Uint32("fcnt", fullFCnt).
		Int("bytes", len(dl.Payload)).
		Msg("downlink accepted")
	return dl, nil
}

// transmit runs the duty-cycle admission, configures the radio and
// retries the send up to the retry limit.
func (e *Engine) transmit(ctx context.Context, ch lorawan.Channel, frame []byte) error {
	air, err := e.region.AirTime(len(frame), int(e.opts.DataRate))
	if err != nil {
		return err
	}
	wait, err := e.duty.Admit(ch.Frequency, air)
	if err != nil {
		return err
	}
	if wait > maxTxDeferral {
		e.log.Info().
			Dur("wait", wait).
			Uint32("freq", ch.Frequency).
			Msg("duty cycle exhausted, deferring frame")
		return fmt.Errorf("%w: band free in %s", ErrTxDeferred, wait)
	}
	if wait > 0 {
		e.log.Info().
			Dur("wait", wait).
			Uint32("freq", ch.Frequency).
			Msg("transmission deferred for duty cycle")
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}

	if err := e.radio.Configure(radio.TxParams{Frequency: ch.Frequency, DataRate: e.opts.DataRate}); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}

	var lastErr error
	for try := 0; try < e.opts.TxRetryLimit; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = e.radio.Transmit(ctx, frame); lastErr == nil {
			if err := e.duty.Record(ch.Frequency, air); err != nil {
				return err
			}
			return nil
		}
		e.log.Warn().Err(lastErr).Int("try", try+1).Msg("transmit failed")
	}
	return fmt.Errorf("%w: %v", ErrTxFailed, lastErr)
}

// receiveAt opens one receive window `delay` after the transmission
// that ended at txAt. nil payload means the window closed empty.
func (e *Engine) receiveAt(ctx context.Context, txAt time.Time, delay time.Duration, freq uint32, dr uint8) ([]byte, error) {
	if err := e.radio.Configure(radio.TxParams{Frequency: freq, DataRate: dr}); err != nil {
		return nil, fmt.Errorf("configure radio: %w", err)
	}
	wait := txAt.Add(delay).Sub(e.now())
	if wait < 0 {
		wait = 0
	}
	return e.radio.Receive(ctx, radio.Window{Delay: wait, Duration: rxWindowDuration})
}

// nextChannel rotates through the region's default channels and mirrors
// the choice into the session for diagnostics.
func (e *Engine) nextChannel() lorawan.Channel {
	ch := e.region.DefaultChannels[e.channelIdx%len(e.region.DefaultChannels)]
	e.session.SetRadioParams(uint8(e.channelIdx%len(e.region.DefaultChannels)), e.opts.DataRate)
	e.channelIdx++
	return ch
}
