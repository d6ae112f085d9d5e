package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	HFP    HFPConfig    `yaml:"hfp"`
	BlueZ  BlueZConfig  `yaml:"bluez"`
	Store  StoreConfig  `yaml:"store"`
	Logger LoggerConfig `yaml:"logger"`
	API    APIConfig    `yaml:"api"`
}

// HFPConfig holds audio gateway policy settings.
type HFPConfig struct {
	MaxConnections int          `yaml:"max_connections"`
	DualEarbud     bool         `yaml:"dual_earbud"` // raises the effective limit to 2
	InbandRinging  bool         `yaml:"inband_ringing"`
	Workers        int          `yaml:"workers"`
	EarbudPairs    [][]string   `yaml:"earbud_pairs,omitempty"` // pairs of addresses treated as one headset
	Timing         TimingConfig `yaml:"timing"`
}

// TimingConfig holds every protocol timer.
type TimingConfig struct {
	Connect            time.Duration `yaml:"connect"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	DialOut            time.Duration `yaml:"dial_out"`
	StartVoiceRecog    time.Duration `yaml:"start_voice_recognition"`
	ClccResponse       time.Duration `yaml:"clcc_response"`
	VoipAlerting       time.Duration `yaml:"voip_alerting"`
	VoipActive         time.Duration `yaml:"voip_active"`
	CsAlerting         time.Duration `yaml:"cs_alerting"`
	CsActive           time.Duration `yaml:"cs_active"`
	QueryPhoneState    time.Duration `yaml:"query_phone_state"`        // after service level connection
	IncomingCallInd    time.Duration `yaml:"incoming_call_indication"` // waiting call promoted to incoming
}

// BlueZConfig holds transport settings.
type BlueZConfig struct {
	Adapter         string        `yaml:"adapter"`
	ProfilePath     string        `yaml:"profile_path"`
	Channel         uint16        `yaml:"channel"`
	AgFeatures      uint32        `yaml:"ag_features"`
	AtRate          float64       `yaml:"at_rate"` // AT commands per second per link
	AtBurst         int           `yaml:"at_burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// APIConfig holds the D-Bus command surface settings.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BusName    string `yaml:"bus_name"`
	ObjectPath string `yaml:"object_path"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		HFP: HFPConfig{
			MaxConnections: 1,
			InbandRinging:  true,
			Workers:        2,
			Timing: TimingConfig{
				Connect:            30 * time.Second,
				RetryBackoff:       2500 * time.Millisecond,
				MaxConnectAttempts: 2,
				DialOut:            10 * time.Second,
				StartVoiceRecog:    5 * time.Second,
				ClccResponse:       5 * time.Second,
				VoipAlerting:       800 * time.Millisecond,
				VoipActive:         850 * time.Millisecond,
				CsAlerting:         800 * time.Millisecond,
				CsActive:           10 * time.Millisecond,
				QueryPhoneState:    100 * time.Millisecond,
				IncomingCallInd:    200 * time.Millisecond,
			},
		},
		BlueZ: BlueZConfig{
			Adapter:         "hci0",
			ProfilePath:     "/org/bluetoothhfp/ag",
			Channel:         13,
			AgFeatures:      0x7ef,
			AtRate:          20,
			AtBurst:         40,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Store: StoreConfig{
			Path: "hfp.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		API: APIConfig{
			Enabled:    true,
			BusName:    "org.bluetoothhfp",
			ObjectPath: "/org/bluetoothhfp/Headset",
		},
	}
}

// EffectiveMaxConnections is the admission limit after the earbud override.
func (c HFPConfig) EffectiveMaxConnections() int {
	if c.DualEarbud && c.MaxConnections < 2 {
		return 2
	}
	return c.MaxConnections
}

// Load reads a YAML file over the defaults. A missing file yields defaults.
// Environment overrides are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies HFP_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HFP_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("HFP_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("HFP_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HFP.MaxConnections = n
		}
	}
	if v := os.Getenv("HFP_DUAL_EARBUD"); v != "" {
		cfg.HFP.DualEarbud = v == "true" || v == "1"
	}
	if v := os.Getenv("HFP_INBAND_RINGING"); v != "" {
		cfg.HFP.InbandRinging = v == "true" || v == "1"
	}
	if v := os.Getenv("HFP_BLUEZ_ADAPTER"); v != "" {
		cfg.BlueZ.Adapter = v
	}
	if v := os.Getenv("HFP_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HFP_API_ENABLED"); v != "" {
		cfg.API.Enabled = v == "true" || v == "1"
	}
}
