package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateHFP(cfg, ve)
	validateBlueZ(cfg, ve)
	validateLogger(cfg, ve)
	validateAPI(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateHFP(cfg *Config, ve *ValidationError) {
	h := cfg.HFP
	if h.MaxConnections < 1 {
		ve.Add("hfp.max_connections must be >= 1")
	}
	if h.Workers < 1 {
		ve.Add("hfp.workers must be >= 1")
	}
	for i, pair := range h.EarbudPairs {
		if len(pair) != 2 {
			ve.Add("hfp.earbud_pairs[%d] must have exactly 2 addresses", i)
		}
	}
	t := h.Timing
	positive := map[string]time.Duration{
		"connect":                  t.Connect,
		"retry_backoff":            t.RetryBackoff,
		"dial_out":                 t.DialOut,
		"start_voice_recognition":  t.StartVoiceRecog,
		"clcc_response":            t.ClccResponse,
		"voip_alerting":            t.VoipAlerting,
		"voip_active":              t.VoipActive,
		"cs_alerting":              t.CsAlerting,
		"cs_active":                t.CsActive,
		"query_phone_state":        t.QueryPhoneState,
		"incoming_call_indication": t.IncomingCallInd,
	}
	for name, d := range positive {
		if d <= 0 {
			ve.Add("hfp.timing.%s must be > 0", name)
		}
	}
	if t.VoipActive <= t.VoipAlerting {
		ve.Add("hfp.timing.voip_active must be later than voip_alerting")
	}
	if t.MaxConnectAttempts < 1 {
		ve.Add("hfp.timing.max_connect_attempts must be >= 1")
	}
}

func validateBlueZ(cfg *Config, ve *ValidationError) {
	b := cfg.BlueZ
	if b.Adapter == "" {
		ve.Add("bluez.adapter is required")
	}
	if !strings.HasPrefix(b.ProfilePath, "/") {
		ve.Add("bluez.profile_path must be an absolute object path")
	}
	if b.AtRate <= 0 {
		ve.Add("bluez.at_rate must be > 0")
	}
	if b.AtBurst < 1 {
		ve.Add("bluez.at_burst must be >= 1")
	}
	if b.BreakerFailures < 1 {
		ve.Add("bluez.breaker_failures must be >= 1")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateAPI(cfg *Config, ve *ValidationError) {
	if !cfg.API.Enabled {
		return
	}
	if cfg.API.BusName == "" {
		ve.Add("api.bus_name is required when api is enabled")
	}
	if !strings.HasPrefix(cfg.API.ObjectPath, "/") {
		ve.Add("api.object_path must be an absolute object path")
	}
}
