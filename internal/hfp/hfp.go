// Package hfp implements the audio gateway role of the Hands-Free Profile:
// arbitration between several connected headsets, one state machine per
// headset, and the call-indicator engine that feeds them.
//
// Thread-safety: Service methods are safe for concurrent use. Machines are
// driven only through their inbox; their exported getters may be called from
// any goroutine.
package hfp

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"bluetooth-hfp/internal/config"
	"bluetooth-hfp/internal/native"
)

var (
	// ErrNotStarted is returned by operations on a stopped service.
	ErrNotStarted = errors.New("hfp: service not started")

	// ErrUnknownDevice is returned when no machine exists for a device.
	ErrUnknownDevice = errors.New("hfp: unknown device")
)

// Service UUIDs a remote must advertise to be connectable.
const (
	HandsfreeUUID = "0000111e-0000-1000-8000-00805f9b34fb"
	HeadsetUUID   = "00001108-0000-1000-8000-00805f9b34fb"
)

// VoipCallNumber is reported in +CLCC for a virtual call.
const VoipCallNumber = "10000000"

// Priority controls whether a device may connect.
type Priority int

const (
	PriorityUndefined   Priority = -1
	PriorityOff         Priority = 0
	PriorityOn          Priority = 100
	PriorityAutoConnect Priority = 1000
)

func (p Priority) String() string {
	switch p {
	case PriorityUndefined:
		return "undefined"
	case PriorityOff:
		return "off"
	case PriorityOn:
		return "on"
	case PriorityAutoConnect:
		return "auto_connect"
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// BondState is the pairing state of a remote device.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

// Adapter answers questions about remote devices.
type Adapter interface {
	RemoteUUIDs(dev native.Address) []string
	BondState(dev native.Address) BondState
	// PeerOf returns the other earbud of a paired set.
	PeerOf(dev native.Address) (native.Address, bool)
	Name(dev native.Address) string
}

// PriorityStore persists priorities. A missing entry is reported with an
// error satisfying errors.Is(err, store.ErrNotFound).
type PriorityStore interface {
	Priority(ctx context.Context, dev native.Address) (int, error)
	SetPriority(ctx context.Context, dev native.Address, priority int) error
}

// Timing holds every protocol timer.
type Timing struct {
	Connect            time.Duration
	RetryBackoff       time.Duration
	MaxConnectAttempts int
	DialOut            time.Duration
	StartVoiceRecog    time.Duration
	ClccResponse       time.Duration
	VoipAlerting       time.Duration
	VoipActive         time.Duration
	CsAlerting         time.Duration
	CsActive           time.Duration
	QueryPhoneState    time.Duration
	IncomingCallInd    time.Duration
}

// Config is the service policy.
type Config struct {
	MaxConnections int
	InbandRinging  bool
	Workers        int
	Timing         Timing
}

// NewConfig converts the file configuration.
func NewConfig(c config.HFPConfig) Config {
	t := c.Timing
	return Config{
		MaxConnections: c.EffectiveMaxConnections(),
		InbandRinging:  c.InbandRinging,
		Workers:        c.Workers,
		Timing: Timing{
			Connect:            t.Connect,
			RetryBackoff:       t.RetryBackoff,
			MaxConnectAttempts: t.MaxConnectAttempts,
			DialOut:            t.DialOut,
			StartVoiceRecog:    t.StartVoiceRecog,
			ClccResponse:       t.ClccResponse,
			VoipAlerting:       t.VoipAlerting,
			VoipActive:         t.VoipActive,
			CsAlerting:         t.CsAlerting,
			CsActive:           t.CsActive,
			QueryPhoneState:    t.QueryPhoneState,
			IncomingCallInd:    t.IncomingCallInd,
		},
	}
}

// DefaultConfig returns the policy built from config.Defaults.
func DefaultConfig() Config {
	return NewConfig(config.Defaults().HFP)
}

func supportsHeadset(uuids []string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, HandsfreeUUID) || strings.EqualFold(u, HeadsetUUID) {
			return true
		}
	}
	return false
}
