package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ludgerheide/powermeter-lora/internal/config"
	"github.com/ludgerheide/powermeter-lora/internal/device"
	"github.com/ludgerheide/powermeter-lora/internal/engine"
	"github.com/ludgerheide/powermeter-lora/internal/identity"
	"github.com/ludgerheide/powermeter-lora/internal/meter"
	"github.com/ludgerheide/powermeter-lora/internal/radio/serialmodem"
	"github.com/ludgerheide/powermeter-lora/internal/session"
	"github.com/ludgerheide/powermeter-lora/internal/store"
	"github.com/ludgerheide/powermeter-lora/pkg/lorawan"
)

func main() {
	var configPath = flag.String("config", "config/powermeter.yml", "path to configuration file")
	var validateOnly = flag.Bool("validate", false, "validate configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("loading configuration failed")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *validateOnly {
		log.Info().Str("config_path", *configPath).Msg("configuration valid")
		return
	}

	ident, err := identity.Load(cfg.Identity.Dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Identity.Dir).Msg("loading device identity failed")
	}
	log.Info().
		Str("dev_eui", ident.DevEUI.String()).
		Str("join_eui", ident.JoinEUI.String()).
		Msg("powermeter starting")

	flash, err := store.OpenFileFlash(cfg.Store.Path, cfg.Store.Size)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("opening session store failed")
	}
	defer flash.Close()

	recordStore, err := store.New(flash, store.Options{Endurance: cfg.Store.Endurance})
	if err != nil {
		log.Fatal().Err(err).Msg("initializing record store failed")
	}

	sess, err := session.NewManager(recordStore, session.Options{
		PersistEvery: cfg.Store.PersistEvery,
		S0Channels:   cfg.S0.Channels,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("recovering session state failed")
	}
	if sess.Current().Joined {
		log.Info().
			Str("dev_addr", sess.Current().DevAddr.String()).
			Uint32("fcnt_up", sess.Current().FCntUp).
			Msg("persisted session recovered")
	}

	modem, err := serialmodem.Open(cfg.Radio.Device, cfg.Radio.Baud)
	if err != nil {
		log.Fatal().Err(err).Str("device", cfg.Radio.Device).Msg("opening radio modem failed")
	}
	defer modem.Close()

	region := lorawan.GetRegionConfiguration(cfg.Radio.Region)
	eng := engine.New(ident, sess, modem, region, engine.Options{
		DataRate:            uint8(cfg.Uplink.DataRate),
		TxRetryLimit:        cfg.Uplink.TxRetryLimit,
		MICFailureThreshold: cfg.Join.MICFailureThreshold,
		MaxJoinAttempts:     cfg.Join.MaxAttempts,
	}, log.Logger)

	s0 := meter.NewS0Bank(cfg.S0.Channels, cfg.S0.ImpulsesPerKWh, sess.Counters())
	sampler, closer := buildSampler(cfg, s0, sess)
	if closer != nil {
		defer closer.Close()
	}

	maxPayload := region.MaxPayloadSizePerDR[cfg.Uplink.DataRate]
	dev := device.New(sampler, eng, sess, s0, device.Options{
		SampleInterval: cfg.Sampling.Interval,
		JitterMax:      cfg.Sampling.JitterMax,
		QueueCapacity:  cfg.Sampling.QueueCapacity,
		FPort:          uint8(cfg.Uplink.FPort),
		MaxPayload:     maxPayload,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("device loop ended")
		}
	}

	if err := sess.Flush(); err != nil {
		log.Error().Err(err).Msg("final counter flush failed")
	}
	log.Info().Msg("powermeter stopped")
}

// buildSampler wires the configured main meter backend into the
// composite sampler. The returned closer owns the meter transport.
func buildSampler(cfg *config.Config, s0 *meter.S0Bank, sess *session.Manager) (meter.Sampler, io.Closer) {
	var (
		energy meter.EnergyReader
		closer io.Closer
		err    error
	)
	switch cfg.Meter.Backend {
	case "iec62056":
		energy, closer, err = meter.OpenIECMeter(cfg.Meter.Device,
			meter.IECOptions{Timeout: cfg.Meter.Timeout}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Str("device", cfg.Meter.Device).Msg("opening meter failed")
		}
	case "modbus":
		energy, closer, err = meter.OpenModbusMeter(cfg.Meter.Device, meter.ModbusOptions{
			SlaveID:         byte(cfg.Meter.Modbus.SlaveID),
			BaudRate:        cfg.Meter.Modbus.BaudRate,
			EnergyRegister:  cfg.Meter.Modbus.EnergyRegister,
			MeterIDRegister: cfg.Meter.Modbus.MeterIDRegister,
			Float32:         cfg.Meter.Modbus.Float32,
			Scale:           cfg.Meter.Modbus.Scale,
			Timeout:         cfg.Meter.Timeout,
		}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Str("device", cfg.Meter.Device).Msg("opening modbus meter failed")
		}
	case "none":
		// S0 and temperature only
	}

	var temp meter.TemperatureSource
	if cfg.Sampling.TemperatureZone != "" {
		temp = meter.SysfsThermal{Path: cfg.Sampling.TemperatureZone}
	}

	return &meter.CompositeSampler{
		Energy:             energy,
		Temperature:        temp,
		TemperatureSamples: cfg.Sampling.TemperatureSamples,
		S0:                 s0,
		WearFraction:       sess.WearFraction,
		Log:                log.Logger,
	}, closer
}
