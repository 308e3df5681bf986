// Package device runs the measuring and reporting loop: sample on a
// jittered interval, queue, transmit through the protocol engine, apply
// downlinks, flush persistent counters.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ludgerheide/powermeter-lora/internal/engine"
	"github.com/ludgerheide/powermeter-lora/internal/meter"
	"github.com/ludgerheide/powermeter-lora/internal/session"
)

// Options tune the control loop
type Options struct {
	// SampleInterval between measurements, default 30s
	SampleInterval time.Duration

	// JitterMax is added uniformly at random to each interval so a
	// fleet that lost power together does not report in lockstep.
	// Default 1s.
	JitterMax time.Duration

	// QueueCapacity bounds the measurement backlog, default 4.
	// Overflow drops the oldest reading.
	QueueCapacity int

	// FPort for measurement uplinks, default 1
	FPort uint8

	// MaxPayload is the application payload limit of the configured
	// data rate, default 51 (EU868 DR0)
	MaxPayload int
}

func (o *Options) applyDefaults() {
	if o.SampleInterval <= 0 {
		o.SampleInterval = 30 * time.Second
	}
	if o.JitterMax < 0 {
		o.JitterMax = 0
	} else if o.JitterMax == 0 {
		o.JitterMax = time.Second
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 4
	}
	if o.FPort == 0 {
		o.FPort = 1
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = 51
	}
}

// uplinkEngine is the part of the protocol engine the loop drives
type uplinkEngine interface {
	EnsureJoined(ctx context.Context) error
	Send(ctx context.Context, fPort uint8, payload []byte) (*engine.Downlink, error)
}

// Device couples the sampler to the protocol engine
type Device struct {
	sampler meter.Sampler
	engine  uplinkEngine
	session *session.Manager
	s0      *meter.S0Bank
	opts    Options
	log     zerolog.Logger

	queue *measurementQueue
	rng   *rand.Rand
}

// New assembles the control loop. s0 may be nil when no impulse
// channels are wired.
func New(sampler meter.Sampler, eng uplinkEngine, sess *session.Manager,
	s0 *meter.S0Bank, opts Options, log zerolog.Logger) *Device {

	opts.applyDefaults()
	return &Device{
		sampler: sampler,
		engine:  eng,
		session: sess,
		s0:      s0,
		opts:    opts,
		log:     log,
		queue:   newMeasurementQueue(opts.QueueCapacity),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives both loops until the context ends
func (d *Device) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		d.sampleLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.transmitLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (d *Device) sampleLoop(ctx context.Context) {
	for {
		wait := d.opts.SampleInterval
		if d.opts.JitterMax > 0 {
			wait += time.Duration(d.rng.Int63n(int64(d.opts.JitterMax)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		m, err := d.sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// the next tick is the retry
			d.log.Warn().Err(err).Msg("sample failed, skipping tick")
			continue
		}
		if d.queue.Push(m) {
			d.log.Warn().Msg("measurement queue full, dropped oldest")
		}
	}
}

func (d *Device) transmitLoop(ctx context.Context) {
	for {
		m, err := d.queue.Pop(ctx)
		if err != nil {
			return
		}
		if err := d.cycle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, engine.ErrTxDeferred) {
				// Put the reading back and sit out one sample interval.
				// Drop-oldest lets fresher readings supersede it while
				// the band recovers.
				if d.queue.Push(m) {
					d.log.Warn().Msg("measurement queue full, dropped oldest")
				}
				d.log.Info().Err(err).Msg("uplink deferred, measurement requeued")
				select {
				case <-time.After(d.opts.SampleInterval):
				case <-ctx.Done():
					return
				}
				continue
			}
			d.log.Error().Err(err).Msg("transmit cycle failed")
		}
	}
}

// cycle pushes one measurement through join, encode, transmit, downlink
// handling and counter flush.
func (d *Device) cycle(ctx context.Context, m meter.Measurement) error {
	if err := d.engine.EnsureJoined(ctx); err != nil {
		return err
	}

	payload, err := meter.Encode(m, d.opts.MaxPayload)
	if err != nil {
		return err
	}

	dl, err := d.engine.Send(ctx, d.opts.FPort, payload)
	if err != nil {
		return err
	}
	if dl != nil {
		d.applyDownlink(dl)
	}

	if d.s0 != nil {
		d.session.UpdateCounters(d.s0.Counts())
	}
	if err := d.session.Flush(); err != nil {
		d.log.Error().Err(err).Msg("counter flush failed")
	}
	return nil
}

// applyDownlink interprets application downlinks: FPort n overwrites S0
// counter n-1 with an 8-byte little-endian impulse count, the remote
// way to align a channel with the meter's mechanical register.
func (d *Device) applyDownlink(dl *engine.Downlink) {
	if d.s0 == nil {
		d.log.Warn().Uint8("fport", dl.FPort).Msg("downlink ignored, no s0 channels")
		return
	}
	channel := int(dl.FPort) - 1
	if channel < 0 || channel >= d.s0.Channels() {
		d.log.Warn().Uint8("fport", dl.FPort).Msg("downlink for unknown channel ignored")
		return
	}
	if len(dl.Payload) != 8 {
		d.log.Warn().
			Uint8("fport", dl.FPort).
			Int("bytes", len(dl.Payload)).
			Msg("downlink with unexpected length ignored")
		return
	}

	count := binary.LittleEndian.Uint64(dl.Payload)
	if err := d.s0.Set(channel, count); err != nil {
		d.log.Warn().Err(err).Msg("downlink counter update failed")
		return
	}
	d.session.UpdateCounters(d.s0.Counts())
	d.log.Info().
		Int("channel", channel).
		Uint64("count", count).
		Msg("s0 counter set via downlink")
}
