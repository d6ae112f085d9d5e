package eventbus

import (
	"context"
	"time"

	"bluetooth-hfp/internal/native"
)

// EventType names a broadcast.
type EventType string

const (
	ConnectionStateChanged  EventType = "hfp.connection_state_changed"
	AudioStateChanged       EventType = "hfp.audio_state_changed"
	ActiveDeviceChanged     EventType = "hfp.active_device_changed"
	VendorSpecificEvent     EventType = "hfp.vendor_specific_event"
	HfIndicatorValueChanged EventType = "hfp.hf_indicator_value_changed"
)

// Event is a broadcast emitted by the gateway. Fields not relevant to Type
// are zero.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Device    native.Address

	// Connection and audio changes.
	PrevState int
	State     int

	// Vendor-specific AT commands.
	Command     string
	CommandType int
	CompanyID   int
	Args        []any

	// HF indicators. Value is -1 when only support was announced.
	IndicatorID    int
	IndicatorValue int
}

// Handler receives events.
type Handler func(ctx context.Context, e Event)
