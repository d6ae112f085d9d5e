// Package system is the boundary between the audio gateway and the phone:
// telephony state and actions, the audio manager, wake locks and the
// phonebook used for redial and AT+CPBR.
package system

import (
	"time"

	"bluetooth-hfp/internal/native"
)

// Interface is everything the gateway needs from the platform.
type Interface interface {
	PhoneState() *PhoneState

	IsInCall() bool
	IsRinging() bool
	IsHighDefCallInProgress() bool

	AnswerCall(dev native.Address) error
	HangupCall(dev native.Address) error
	Dial(number string) error
	SendDtmf(tone int) error
	ProcessChld(chld int) bool

	// SubscriberNumber returns the line number for +CNUM.
	SubscriberNumber() (string, bool)
	NetworkOperator() string

	// ListCurrentCalls asks telephony to push +CLCC entries back through
	// the gateway. false means no call list is available.
	ListCurrentCalls() bool
	QueryPhoneState()

	ActivateVoiceRecognition() bool
	DeactivateVoiceRecognition() bool

	// ListenForPhoneState toggles indicator reporting for dev.
	ListenForPhoneState(dev native.Address, enabled native.AgIndicatorEnableState)

	Audio() AudioManager
	WakeLock() WakeLock
	Phonebook() Phonebook
}

// AudioManager is the platform audio routing surface.
type AudioManager interface {
	SetStreamVolume(volume int, showUI bool)
	StreamVolume() int
	SetBluetoothScoOn(on bool)
	IsBluetoothScoOn() bool
	SetParameters(kv string)
}

// WakeLock keeps the platform awake while waiting on the remote.
type WakeLock interface {
	Acquire(timeout time.Duration)
	Release()
	Held() bool
}

// PhonebookEntry is one number in a phonebook storage.
type PhonebookEntry struct {
	Name   string
	Number string
	Type   int
}

// Phonebook exposes call logs and contacts.
type Phonebook interface {
	LastDialedNumber() (string, bool)
	Entries(storage string) ([]PhonebookEntry, bool)
}
