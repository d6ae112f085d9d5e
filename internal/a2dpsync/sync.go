// Package a2dpsync coordinates the media stream with call audio. Call
// indicators must not reach a headset while it is still streaming music, so
// the gateway asks this package to suspend the stream and waits for the
// confirmation before delivering them.
package a2dpsync

import (
	"log/slog"
	"sync"

	"bluetooth-hfp/internal/native"
	"bluetooth-hfp/internal/system"
)

// Reason records why a device holds the stream suspended.
type Reason int

const (
	ReasonCall Reason = iota
	ReasonVoiceRecognition
	ReasonVirtualCall
)

func (r Reason) String() string {
	switch r {
	case ReasonCall:
		return "call"
	case ReasonVoiceRecognition:
		return "voice_recognition"
	case ReasonVirtualCall:
		return "virtual_call"
	}
	return "unknown"
}

// Notification is sent to the listener when streaming stops.
type Notification int

const (
	// Suspended means a requested suspension took effect.
	Suspended Notification = iota
	// StreamEnded means the stream stopped on its own.
	StreamEnded
)

func (n Notification) String() string {
	if n == Suspended {
		return "suspended"
	}
	return "stream_ended"
}

// Syncer is the narrow interface the gateway depends on.
type Syncer interface {
	// Suspend asks the media stream to pause for dev. It returns true when
	// nothing is playing, so the caller can proceed immediately.
	Suspend(reason Reason, dev native.Address) bool
	// Release drops the suspension held by dev.
	Release(dev native.Address)
	IsPlaying() bool
}

const (
	paramSuspend = "A2dpSuspended=true"
	paramResume  = "A2dpSuspended=false"
)

// Sync tracks media play state per device and drives the platform suspend
// parameter.
type Sync struct {
	audio  system.AudioManager
	logger *slog.Logger

	mu        sync.Mutex
	playing   map[native.Address]bool
	holders   map[native.Address]Reason
	suspended bool
	listener  func(Notification)
}

// New returns a Sync driving audio.
func New(audio system.AudioManager, logger *slog.Logger) *Sync {
	return &Sync{
		audio:   audio,
		logger:  logger,
		playing: make(map[native.Address]bool),
		holders: make(map[native.Address]Reason),
	}
}

// SetListener installs the callback for stream-stop notifications. The
// callback runs without the Sync lock held.
func (s *Sync) SetListener(fn func(Notification)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

func (s *Sync) Suspend(reason Reason, dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[dev] = reason
	if !s.suspended {
		s.suspended = true
		s.audio.SetParameters(paramSuspend)
		s.logger.Info("media stream suspend requested", "device", dev, "reason", reason)
	}
	return !s.anyPlayingLocked()
}

func (s *Sync) Release(dev native.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holders[dev]; !ok {
		return
	}
	delete(s.holders, dev)
	if len(s.holders) == 0 && s.suspended {
		s.suspended = false
		s.audio.SetParameters(paramResume)
		s.logger.Info("media stream resumed", "device", dev)
	}
}

func (s *Sync) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anyPlayingLocked()
}

// IsSuspended reports whether any device holds the stream suspended.
func (s *Sync) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// UpdatePlayState records the media play state of dev.
func (s *Sync) UpdatePlayState(dev native.Address, playing bool) {
	s.mu.Lock()
	was := s.anyPlayingLocked()
	if playing {
		s.playing[dev] = true
	} else {
		delete(s.playing, dev)
	}
	now := s.anyPlayingLocked()
	suspended := s.suspended
	fn := s.listener
	s.mu.Unlock()

	if !was || now || fn == nil {
		return
	}
	if suspended {
		fn(Suspended)
	} else {
		fn(StreamEnded)
	}
}

// UpdateConnectionState records media link loss for dev.
func (s *Sync) UpdateConnectionState(dev native.Address, connected bool) {
	if connected {
		return
	}
	s.mu.Lock()
	was := s.anyPlayingLocked()
	delete(s.playing, dev)
	now := s.anyPlayingLocked()
	fn := s.listener
	s.mu.Unlock()

	if was && !now && fn != nil {
		fn(StreamEnded)
	}
}

func (s *Sync) anyPlayingLocked() bool {
	return len(s.playing) > 0
}
