// Package config loads the device configuration from YAML with
// environment overrides for the settings that differ per installation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the device configuration
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Store    StoreConfig    `yaml:"store"`
	Radio    RadioConfig    `yaml:"radio"`
	Meter    MeterConfig    `yaml:"meter"`
	S0       S0Config       `yaml:"s0"`
	Sampling SamplingConfig `yaml:"sampling"`
	Uplink   UplinkConfig   `yaml:"uplink"`
	Join     JoinConfig     `yaml:"join"`
	Log      LogConfig      `yaml:"log"`
}

// IdentityConfig locates the provisioning artifacts
type IdentityConfig struct {
	Dir string `yaml:"dir"`
}

// StoreConfig represents the persistent session region
type StoreConfig struct {
	Path      string `yaml:"path"`
	Size      int64  `yaml:"size"`
	Endurance uint32 `yaml:"endurance"`

	// PersistEvery batches uplink counter writes; 1 persists every frame
	PersistEvery uint32 `yaml:"persist_every"`
}

// RadioConfig represents the LoRa modem attachment
type RadioConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	Region string `yaml:"region"`
}

// MeterConfig represents the main meter readout
type MeterConfig struct {
	// Backend is iec62056, modbus or none
	Backend string        `yaml:"backend"`
	Device  string        `yaml:"device"`
	Timeout time.Duration `yaml:"timeout"`

	Modbus ModbusConfig `yaml:"modbus"`
}

// ModbusConfig represents the modbus register geometry
type ModbusConfig struct {
	SlaveID         int     `yaml:"slave_id"`
	BaudRate        int     `yaml:"baud_rate"`
	EnergyRegister  uint16  `yaml:"energy_register"`
	MeterIDRegister uint16  `yaml:"meter_id_register"`
	Float32         bool    `yaml:"float32"`
	Scale           float64 `yaml:"scale"`
}

// S0Config represents the impulse counter channels
type S0Config struct {
	Channels       int     `yaml:"channels"`
	ImpulsesPerKWh float64 `yaml:"impulses_per_kwh"`
}

// SamplingConfig represents the measurement schedule
type SamplingConfig struct {
	Interval           time.Duration `yaml:"interval"`
	JitterMax          time.Duration `yaml:"jitter_max"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	TemperatureZone    string        `yaml:"temperature_zone"`
	TemperatureSamples int           `yaml:"temperature_samples"`
}

// UplinkConfig represents transmission parameters
type UplinkConfig struct {
	FPort        int `yaml:"fport"`
	DataRate     int `yaml:"data_rate"`
	TxRetryLimit int `yaml:"tx_retry_limit"`
}

// JoinConfig represents OTAA behavior
type JoinConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	MICFailureThreshold int `yaml:"mic_failure_threshold"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, overrides, defaults and validates the configuration
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("POWERMETER_IDENTITY_DIR"); dir != "" {
		c.Identity.Dir = dir
	}

	if path := os.Getenv("POWERMETER_STORE_PATH"); path != "" {
		c.Store.Path = path
	}

	if dev := os.Getenv("POWERMETER_RADIO_DEVICE"); dev != "" {
		c.Radio.Device = dev
	}

	if dev := os.Getenv("POWERMETER_METER_DEVICE"); dev != "" {
		c.Meter.Device = dev
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

func (c *Config) applyDefaults() {
	if c.Identity.Dir == "" {
		c.Identity.Dir = "/var/lib/powermeter/identity"
	}
	if c.Store.Path == "" {
		c.Store.Path = "/var/lib/powermeter/session.bin"
	}
	if c.Store.Size == 0 {
		c.Store.Size = 4096
	}
	if c.Store.PersistEvery == 0 {
		c.Store.PersistEvery = 1
	}
	if c.Radio.Baud == 0 {
		c.Radio.Baud = 115200
	}
	if c.Radio.Region == "" {
		c.Radio.Region = "EU868"
	}
	if c.Meter.Backend == "" {
		c.Meter.Backend = "iec62056"
	}
	if c.Meter.Timeout == 0 {
		c.Meter.Timeout = 10 * time.Second
	}
	if c.S0.Channels == 0 {
		c.S0.Channels = 6
	}
	if c.S0.ImpulsesPerKWh == 0 {
		c.S0.ImpulsesPerKWh = 800
	}
	if c.Sampling.Interval == 0 {
		c.Sampling.Interval = 30 * time.Second
	}
	if c.Sampling.JitterMax == 0 {
		c.Sampling.JitterMax = time.Second
	}
	if c.Sampling.QueueCapacity == 0 {
		c.Sampling.QueueCapacity = 4
	}
	if c.Sampling.TemperatureSamples == 0 {
		c.Sampling.TemperatureSamples = 10
	}
	if c.Uplink.FPort == 0 {
		c.Uplink.FPort = 1
	}
	if c.Uplink.TxRetryLimit == 0 {
		c.Uplink.TxRetryLimit = 3
	}
	if c.Join.MaxAttempts == 0 {
		c.Join.MaxAttempts = 8
	}
	if c.Join.MICFailureThreshold == 0 {
		c.Join.MICFailureThreshold = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations the device cannot run with
func (c *Config) Validate() error {
	switch c.Meter.Backend {
	case "iec62056", "modbus", "none":
	default:
		return fmt.Errorf("unknown meter backend: %s", c.Meter.Backend)
	}
	if c.Meter.Backend != "none" && c.Meter.Device == "" {
		return fmt.Errorf("meter backend %s needs a device", c.Meter.Backend)
	}

	if c.Radio.Device == "" {
		return fmt.Errorf("radio device is required")
	}
	if c.Radio.Region != "EU868" {
		return fmt.Errorf("unsupported region: %s", c.Radio.Region)
	}

	if c.S0.Channels < 0 || c.S0.Channels > 32 {
		return fmt.Errorf("s0 channel count %d out of range", c.S0.Channels)
	}
	if c.Uplink.DataRate < 0 || c.Uplink.DataRate > 6 {
		return fmt.Errorf("data rate %d out of range", c.Uplink.DataRate)
	}
	if c.Uplink.FPort < 1 || c.Uplink.FPort > 223 {
		return fmt.Errorf("fport %d out of range", c.Uplink.FPort)
	}
	if c.Store.Size < 1024 {
		return fmt.Errorf("store size %d too small", c.Store.Size)
	}
	return nil
}
