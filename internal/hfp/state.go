package hfp

import "fmt"

// State is the single state of a device machine. The connection and audio
// views are derived from it, so audio can only be on while connected.
type State int

const (
	stateInitial State = iota - 1
	StateDisconnected
	StateConnecting
	StateDisconnecting
	StateConnected
	StateAudioConnecting
	StateAudioOn
	StateAudioDisconnecting
)

var stateNames = map[State]string{
	stateInitial:            "initial",
	StateDisconnected:       "disconnected",
	StateConnecting:         "connecting",
	StateDisconnecting:      "disconnecting",
	StateConnected:          "connected",
	StateAudioConnecting:    "audio_connecting",
	StateAudioOn:            "audio_on",
	StateAudioDisconnecting: "audio_disconnecting",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectionState is the public connection view. Values match the platform
// profile constants.
type ConnectionState int

const (
	ConnDisconnected  ConnectionState = 0
	ConnConnecting    ConnectionState = 1
	ConnConnected     ConnectionState = 2
	ConnDisconnecting ConnectionState = 3
)

func (c ConnectionState) String() string {
	switch c {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("connection(%d)", int(c))
}

// AudioState is the public audio view.
type AudioState int

const (
	AudioOff           AudioState = 10
	AudioConnecting    AudioState = 11
	AudioOn            AudioState = 12
	AudioDisconnecting AudioState = 13
)

func (a AudioState) String() string {
	switch a {
	case AudioOff:
		return "off"
	case AudioConnecting:
		return "connecting"
	case AudioOn:
		return "on"
	case AudioDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("audio(%d)", int(a))
}

// Connection returns the connection view of s.
func (s State) Connection() ConnectionState {
	switch s {
	case StateConnecting:
		return ConnConnecting
	case StateDisconnecting:
		return ConnDisconnecting
	case StateConnected, StateAudioConnecting, StateAudioOn, StateAudioDisconnecting:
		return ConnConnected
	}
	return ConnDisconnected
}

// Audio returns the audio view of s.
func (s State) Audio() AudioState {
	switch s {
	case StateAudioConnecting:
		return AudioConnecting
	case StateAudioOn:
		return AudioOn
	case StateAudioDisconnecting:
		return AudioDisconnecting
	}
	return AudioOff
}

// connected reports the Connected state and its audio sub-states.
func (s State) connected() bool {
	return s.Connection() == ConnConnected
}

// allowedTransitions lists, per target, the states it may be entered from.
var allowedTransitions = map[State][]State{
	StateDisconnected:       {stateInitial, StateConnecting, StateDisconnecting, StateConnected, StateAudioConnecting, StateAudioOn, StateAudioDisconnecting},
	StateConnecting:         {StateDisconnected},
	StateDisconnecting:      {StateConnected, StateAudioConnecting, StateAudioOn, StateAudioDisconnecting},
	StateConnected:          {StateConnecting, StateAudioConnecting, StateAudioOn, StateAudioDisconnecting},
	StateAudioConnecting:    {StateConnected},
	StateAudioOn:            {StateAudioConnecting, StateConnected, StateAudioDisconnecting},
	StateAudioDisconnecting: {StateAudioOn},
}

// TransitionError reports an entry into a state from a state the protocol
// does not allow. It is raised as a panic.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("hfp: invalid transition %s -> %s", e.From, e.To)
}

func checkTransition(from, to State) error {
	for _, s := range allowedTransitions[to] {
		if s == from {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
