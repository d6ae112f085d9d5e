package native

import "fmt"

// ConnectionState is the service-level link state reported by the stack.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionSlcConnected
	ConnectionDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionSlcConnected:
		return "slc_connected"
	case ConnectionDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("connection(%d)", int(s))
}

// AudioState is the SCO link state reported by the stack.
type AudioState int

const (
	AudioDisconnected AudioState = iota
	AudioConnecting
	AudioConnected
	AudioDisconnecting
)

func (s AudioState) String() string {
	switch s {
	case AudioDisconnected:
		return "disconnected"
	case AudioConnecting:
		return "connecting"
	case AudioConnected:
		return "connected"
	case AudioDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("audio(%d)", int(s))
}

// CallState is the call-setup indicator value.
type CallState int

const (
	CallActive CallState = iota
	CallHeld
	CallDialing
	CallAlerting
	CallIncoming
	CallWaiting
	CallIdle
	CallDisconnected
)

func (s CallState) String() string {
	switch s {
	case CallActive:
		return "active"
	case CallHeld:
		return "held"
	case CallDialing:
		return "dialing"
	case CallAlerting:
		return "alerting"
	case CallIncoming:
		return "incoming"
	case CallWaiting:
		return "waiting"
	case CallIdle:
		return "idle"
	case CallDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("call(%d)", int(s))
}

// VolumeType selects the speaker or microphone gain.
type VolumeType int

const (
	VolumeSpeaker VolumeType = iota
	VolumeMic
)

// AtResponse is the final result code of an AT command.
type AtResponse int

const (
	AtError AtResponse = iota
	AtOK
)

// Voice recognition states carried by EventVrStateChanged.
const (
	VrStopped = 0
	VrStarted = 1
)

// Codec values carried by EventWbs.
const (
	CodecNone = 0
	CodecNBS  = 1
	CodecWBS  = 2
)

// HF indicator ids.
const (
	HfIndicatorEnhancedDriverSafety = 1
	HfIndicatorBatteryLevel         = 2
)

// EventType identifies what the stack is reporting.
type EventType int

const (
	EventNone EventType = iota
	EventConnectionStateChanged
	EventAudioStateChanged
	EventVrStateChanged
	EventAnswerCall
	EventHangupCall
	EventVolumeChanged
	EventDialCall
	EventSendDtmf
	EventNoiseReduction
	EventAtChld
	EventSubscriberNumberRequest
	EventAtCind
	EventAtCops
	EventAtClcc
	EventUnknownAt
	EventKeyPressed
	EventWbs
	EventBind
	EventBiev
	EventBia
)

var eventNames = map[EventType]string{
	EventNone:                    "none",
	EventConnectionStateChanged:  "connection_state_changed",
	EventAudioStateChanged:       "audio_state_changed",
	EventVrStateChanged:          "vr_state_changed",
	EventAnswerCall:              "answer_call",
	EventHangupCall:              "hangup_call",
	EventVolumeChanged:           "volume_changed",
	EventDialCall:                "dial_call",
	EventSendDtmf:                "send_dtmf",
	EventNoiseReduction:          "noise_reduction",
	EventAtChld:                  "at_chld",
	EventSubscriberNumberRequest: "subscriber_number_request",
	EventAtCind:                  "at_cind",
	EventAtCops:                  "at_cops",
	EventAtClcc:                  "at_clcc",
	EventUnknownAt:               "unknown_at",
	EventKeyPressed:              "key_pressed",
	EventWbs:                     "wbs",
	EventBind:                    "bind",
	EventBiev:                    "biev",
	EventBia:                     "bia",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one notification from the stack. The meaning of the value fields
// depends on Type:
//
//	EventConnectionStateChanged  ValueInt = ConnectionState
//	EventAudioStateChanged       ValueInt = AudioState
//	EventVrStateChanged          ValueInt = VrStarted / VrStopped
//	EventVolumeChanged           ValueInt = VolumeType, ValueInt2 = volume
//	EventDialCall                ValueString = number (empty for redial)
//	EventSendDtmf                ValueInt = tone
//	EventNoiseReduction          ValueInt = 1 enable, 0 disable
//	EventAtChld                  ValueInt = chld
//	EventUnknownAt               ValueString = command text after "AT"
//	EventWbs                     ValueInt = Codec*
//	EventBind                    ValueString = comma separated indicator ids
//	EventBiev                    ValueInt = indicator id, ValueInt2 = value
//	EventBia                     Indicators
type Event struct {
	Type        EventType
	Device      Address
	ValueInt    int
	ValueInt2   int
	ValueString string
	Indicators  AgIndicatorEnableState
}

func (e Event) String() string {
	return fmt.Sprintf("%s{dev=%s int=%d int2=%d str=%q}", e.Type, e.Device, e.ValueInt, e.ValueInt2, e.ValueString)
}
