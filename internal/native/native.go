// Package native defines the transport contract between the audio gateway
// core and the Bluetooth stack that owns the RFCOMM and SCO links.
//
// Implementations translate method calls into link-level actions (AT result
// codes, unsolicited indicators, profile connects) and deliver everything the
// remote hands-free unit does as Event values on the Events channel.
//
// Thread-safety: all methods are safe for concurrent use. Results of link
// actions are reported asynchronously through Events; a nil error only means
// the request was accepted by the stack.
package native

import (
	"errors"
)

var (
	// ErrNotConnected is returned when a request targets a device with no
	// service-level link.
	ErrNotConnected = errors.New("native: device not connected")

	// ErrScoUnsupported is returned by stacks that cannot open synchronous
	// audio links.
	ErrScoUnsupported = errors.New("native: sco audio not supported")
)

// Interface is the transport used by the audio gateway.
type Interface interface {
	// Init prepares the stack for up to maxClients simultaneous service-level
	// links. inbandRinging is advertised in the supported features.
	Init(maxClients int, inbandRinging bool) error

	// Cleanup tears down every link and stops event delivery. After Cleanup
	// the Events channel is closed.
	Cleanup()

	// Events delivers stack events in the order the stack produced them.
	Events() <-chan Event

	Connect(dev Address) error
	DisconnectHfp(dev Address) error
	ConnectAudio(dev Address) error
	DisconnectAudio(dev Address) error

	// SetActiveDevice tells the stack which link carries call audio. The zero
	// Address clears the selection.
	SetActiveDevice(dev Address) error

	StartVoiceRecognition(dev Address) error
	StopVoiceRecognition(dev Address) error
	SetVolume(dev Address, typ VolumeType, volume int) error

	AtResponseCode(dev Address, code AtResponse, errorCode int) error
	AtResponseString(dev Address, s string) error
	CindResponse(dev Address, cind Cind) error
	CopsResponse(dev Address, operator string) error
	ClccResponse(dev Address, clcc Clcc) error
	NotifyDeviceStatus(dev Address, status DeviceStatus) error
	PhoneStateChange(dev Address, call PhoneCall) error
	SendBsir(dev Address, enable bool) error
	SetScoAllowed(allowed bool) error
}

// Cind is the payload of a +CIND read response.
type Cind struct {
	Service       int
	NumActive     int
	NumHeld       int
	CallState     CallState
	Signal        int
	Roam          int
	BatteryCharge int
}

// Clcc is one +CLCC line. A zero Index terminates the list.
type Clcc struct {
	Index      int
	Direction  int
	Status     int
	Mode       int
	Multiparty bool
	Number     string
	Type       int
}

// DeviceStatus carries the network and battery indicators.
type DeviceStatus struct {
	Service       int
	Roam          int
	Signal        int
	BatteryCharge int
}

// PhoneCall is a snapshot of the telephony call indicators.
type PhoneCall struct {
	NumActive int
	NumHeld   int
	State     CallState
	Number    string
	Type      int
}

// Idle reports whether the snapshot describes no call at all.
func (c PhoneCall) Idle() bool {
	return c.NumActive == 0 && c.NumHeld == 0 && c.State == CallIdle
}

// AgIndicatorEnableState is the +BIA selection made by the remote unit.
type AgIndicatorEnableState struct {
	Service bool
	Roam    bool
	Signal  bool
	Battery bool
}

// AllIndicatorsEnabled is the state assumed until the remote sends +BIA.
var AllIndicatorsEnabled = AgIndicatorEnableState{Service: true, Roam: true, Signal: true, Battery: true}
