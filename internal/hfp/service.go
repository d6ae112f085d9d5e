package hfp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bluetooth-hfp/internal/a2dpsync"
	"bluetooth-hfp/internal/eventbus"
	"bluetooth-hfp/internal/native"
	"bluetooth-hfp/internal/store"
	"bluetooth-hfp/internal/system"
)

var _ host = (*Service)(nil)

// VendorResultCodeAndroid is the only unsolicited vendor result code an
// application may send.
const VendorResultCodeAndroid = "+ANDROID"

// Deps are the collaborators of a Service.
type Deps struct {
	Native  native.Interface
	System  system.Interface
	A2dp    a2dpsync.Syncer
	Adapter Adapter
	Store   PriorityStore
	Bus     *eventbus.Bus
	Logger  *slog.Logger
}

// mediaTracker is implemented by audio-sync collaborators that are told
// about media playback directly.
type mediaTracker interface {
	UpdatePlayState(dev native.Address, playing bool)
	UpdateConnectionState(dev native.Address, connected bool)
}

type pendingDial struct {
	dev   native.Address
	timer *time.Timer
}

// Service arbitrates between the connected hands-free units: admission,
// the active device and which device may carry SCO audio.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu                sync.Mutex
	ctx               context.Context
	started           bool
	pool              *workerPool
	machines          map[native.Address]*Machine
	active            native.Address
	forceSco          bool
	audioRouteAllowed bool
	inbandDisabled    bool
	virtualCall       bool
	vrStarted         bool
	dialOut           *pendingDial

	pumpDone chan struct{}
}

// NewService creates a stopped service.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	s := &Service{
		deps:              deps,
		cfg:               cfg,
		logger:            deps.Logger.With("component", "hfp"),
		ctx:               context.Background(),
		machines:          make(map[native.Address]*Machine),
		audioRouteAllowed: true,
	}
	if l, ok := deps.A2dp.(interface {
		SetListener(func(a2dpsync.Notification))
	}); ok {
		l.SetListener(s.onA2dpNotification)
	}
	return s
}

// Start initialises the stack and begins consuming its events.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	// One spare client slot lets a connection above the limit be rejected
	// cleanly instead of refused by the stack.
	if err := s.deps.Native.Init(s.cfg.MaxConnections+1, s.cfg.InbandRinging); err != nil {
		return err
	}
	s.ctx = ctx
	s.pool = newWorkerPool(s.cfg.Workers)
	s.started = true
	s.audioRouteAllowed = true
	s.pumpDone = make(chan struct{})
	go s.pump(s.deps.Native.Events(), s.pumpDone)
	s.logger.Info("service started", "max_connections", s.cfg.MaxConnections, "inband_ringing", s.cfg.InbandRinging)
	return nil
}

func (s *Service) pump(events <-chan native.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		s.HandleStackEvent(ev)
	}
}

// Stop destroys every machine and releases the stack.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancelDialLocked()
	s.active = ""
	s.virtualCall = false
	s.vrStarted = false
	s.forceSco = false
	s.inbandDisabled = false
	machines := s.machines
	s.machines = make(map[native.Address]*Machine)
	pool := s.pool
	done := s.pumpDone
	s.mu.Unlock()

	for _, m := range machines {
		m.destroy()
	}
	pool.close()
	s.deps.Native.Cleanup()
	<-done
	s.logger.Info("service stopped")
}

// HandleStackEvent routes a stack event to the machine of its device. A
// machine is created for a connecting device that has none.
func (s *Service) HandleStackEvent(ev native.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	m := s.machines[ev.Device]
	if m == nil {
		st := native.ConnectionState(ev.ValueInt)
		if ev.Type != native.EventConnectionStateChanged ||
			(st != native.ConnectionConnecting && st != native.ConnectionConnected) {
			s.logger.Warn("dropping event for unknown device", "event", ev)
			return
		}
		m = s.newMachineLocked(ev.Device)
	}
	m.post(message{what: msgStackEvent, event: ev})
}

func (s *Service) newMachineLocked(dev native.Address) *Machine {
	m := newMachine(dev, s, machineDeps{
		stack:  s.deps.Native,
		sys:    s.deps.System,
		a2dp:   s.deps.A2dp,
		bus:    s.deps.Bus,
		timing: s.cfg.Timing,
		logger: s.logger,
	}, s.pool)
	s.machines[dev] = m
	return m
}

func (s *Service) removeMachineLocked(dev native.Address) {
	m, ok := s.machines[dev]
	if !ok {
		return
	}
	s.logger.Info("removing state machine", "device", dev)
	m.destroy()
	delete(s.machines, dev)
}

// machine returns the machine of dev, or nil.
func (s *Service) machine(dev native.Address) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machines[dev]
}

// Connect starts an outgoing connection to dev.
func (s *Service) Connect(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	if s.priorityLocked(dev) == PriorityOff {
		s.logger.Warn("connect rejected, priority off", "device", dev)
		return false
	}
	if !supportsHeadset(s.deps.Adapter.RemoteUUIDs(dev)) {
		s.logger.Warn("connect rejected, no headset service", "device", dev)
		return false
	}
	m := s.machines[dev]
	if m == nil {
		m = s.newMachineLocked(dev)
	}
	if st := m.ConnectionState(); st == ConnConnected || st == ConnConnecting {
		s.logger.Warn("already connected or connecting", "device", dev, "state", st)
		return false
	}
	existing := s.devicesMatchingLocked(ConnConnecting, ConnConnected)
	if allowed, replaceAll := s.connectionAllowedLocked(dev, existing); !allowed {
		if s.cfg.MaxConnections != 1 && !replaceAll {
			s.logger.Warn("max connections reached", "device", dev, "max", s.cfg.MaxConnections)
			return false
		}
		for _, d := range existing {
			s.disconnectLocked(d)
		}
		s.setActiveDeviceLocked("")
	}
	m.post(message{what: msgConnect})
	return true
}

// connectionAllowedLocked applies the admission policy. replaceAll asks the
// caller to drop the existing device in favour of an earbud pair.
func (s *Service) connectionAllowedLocked(dev native.Address, existing []native.Address) (allowed, replaceAll bool) {
	if len(existing) == 0 {
		return true, false
	}
	first := existing[0]
	adapter := s.deps.Adapter
	if _, ok := adapter.PeerOf(first); ok {
		// An earbud is connected: only its peer may join.
		peer, ok := adapter.PeerOf(dev)
		return ok && peer == first, false
	}
	if _, ok := adapter.PeerOf(dev); ok {
		return false, len(existing) == 1
	}
	return len(existing) < s.cfg.MaxConnections, false
}

// okToAcceptConnection decides on an incoming link.
func (s *Service) okToAcceptConnection(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.priorityLocked(dev)
	bond := s.deps.Adapter.BondState(dev)
	bonded := bond == BondBonded || bond == BondBonding
	discoveryPending := p == PriorityUndefined && bonded
	enabled := (p == PriorityOn || p == PriorityAutoConnect) && bonded
	if !discoveryPending && !enabled {
		s.logger.Warn("incoming connection rejected", "device", dev, "priority", p, "bond", bond)
		return false
	}
	if allowed, _ := s.connectionAllowedLocked(dev, s.devicesMatchingLocked(ConnConnecting, ConnConnected)); !allowed {
		s.logger.Warn("incoming connection rejected, max connections reached", "device", dev)
		return false
	}
	return true
}

// Disconnect tears down the link to dev.
func (s *Service) Disconnect(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked(dev)
}

func (s *Service) disconnectLocked(dev native.Address) bool {
	m := s.machines[dev]
	if m == nil {
		s.logger.Warn("disconnect of unknown device", "device", dev)
		return false
	}
	if st := m.ConnectionState(); st != ConnConnected && st != ConnConnecting {
		s.logger.Warn("disconnect of idle device", "device", dev, "state", st)
		return false
	}
	m.post(message{what: msgDisconnect})
	return true
}

// ConnectionState returns the connection view of dev.
func (s *Service) ConnectionState(dev native.Address) ConnectionState {
	if m := s.machine(dev); m != nil {
		return m.ConnectionState()
	}
	return ConnDisconnected
}

// DeviceState returns the full machine state of dev.
func (s *Service) DeviceState(dev native.Address) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return StateDisconnected, ErrNotStarted
	}
	m := s.machines[dev]
	if m == nil {
		return StateDisconnected, ErrUnknownDevice
	}
	return m.State(), nil
}

// ConnectedDevices returns the devices in the Connected state family.
func (s *Service) ConnectedDevices() []native.Address {
	return s.DevicesMatchingStates(ConnConnected)
}

// DevicesMatchingStates returns, sorted, the devices in any of states.
func (s *Service) DevicesMatchingStates(states ...ConnectionState) []native.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devicesMatchingLocked(states...)
}

func (s *Service) devicesMatchingLocked(states ...ConnectionState) []native.Address {
	var out []native.Address
	for dev, m := range s.machines {
		st := m.ConnectionState()
		for _, want := range states {
			if st == want {
				out = append(out, dev)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Priority returns the stored priority of dev.
func (s *Service) Priority(ctx context.Context, dev native.Address) Priority {
	p, err := s.deps.Store.Priority(ctx, dev)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("read priority", "device", dev, "err", err)
		}
		return PriorityUndefined
	}
	return Priority(p)
}

func (s *Service) priorityLocked(dev native.Address) Priority {
	return s.Priority(s.ctx, dev)
}

// SetPriority stores the priority of dev.
func (s *Service) SetPriority(ctx context.Context, dev native.Address, p Priority) error {
	s.logger.Info("set priority", "device", dev, "priority", p)
	return s.deps.Store.SetPriority(ctx, dev, int(p))
}

// StartVoiceRecognition opens voice recognition audio on dev, making it the
// active device.
func (s *Service) StartVoiceRecognition(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.machines[dev]
	if m == nil {
		return false
	}
	if m.ConnectionState() != ConnConnected {
		s.logger.Warn("voice recognition on a device that is not connected", "device", dev, "state", m.State())
		return false
	}
	if s.isAudioOnLocked() {
		s.logger.Warn("voice recognition refused, audio not idle")
		return false
	}
	if s.vrStarted || s.virtualCall || s.deps.System.IsInCall() {
		s.logger.Warn("voice recognition refused", "started", s.vrStarted, "virtual_call", s.virtualCall)
		return false
	}
	if s.active != dev && !s.setActiveDeviceLocked(dev) {
		return false
	}
	s.vrStarted = true
	m.post(message{what: msgVoiceRecognitionStart})
	return true
}

// StopVoiceRecognition ends voice recognition on dev.
func (s *Service) StopVoiceRecognition(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopVoiceRecognitionLocked(dev)
}

func (s *Service) stopVoiceRecognitionLocked(dev native.Address) bool {
	m := s.machines[dev]
	if m == nil {
		return false
	}
	if m.ConnectionState() != ConnConnected {
		return false
	}
	if !s.vrStarted {
		s.logger.Warn("voice recognition not started", "device", dev)
		return false
	}
	s.vrStarted = false
	m.post(message{what: msgVoiceRecognitionStop})
	return true
}

func (s *Service) onVoiceRecognitionStopped(native.Address) {
	s.mu.Lock()
	s.vrStarted = false
	s.mu.Unlock()
}

// ConnectAudio opens SCO to dev, which must be the active device.
func (s *Service) ConnectAudio(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectAudioLocked(dev)
}

// ConnectAudioActive opens SCO to the active device.
func (s *Service) ConnectAudioActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectAudioLocked(s.active)
}

func (s *Service) connectAudioLocked(dev native.Address) bool {
	if dev.IsZero() || dev != s.active {
		s.logger.Warn("connect audio to inactive device", "device", dev, "active", s.active)
		return false
	}
	m := s.machines[dev]
	if m == nil || m.ConnectionState() != ConnConnected {
		s.logger.Warn("connect audio, profile not connected", "device", dev)
		return false
	}
	if m.AudioState() != AudioOff {
		return true
	}
	if on := s.nonIdleAudioLocked(); len(on) > 0 {
		if _, ok := s.connectedPeerLocked(on[0]); ok {
			return true
		}
		s.logger.Warn("connect audio, audio busy", "devices", on)
		return false
	}
	if !s.isScoAcceptableLocked(dev) {
		s.logger.Warn("connect audio rejected", "device", dev)
		return false
	}
	m.post(message{what: msgConnectAudio})
	return true
}

// DisconnectAudio closes SCO on dev.
func (s *Service) DisconnectAudio(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectAudioLocked(dev)
}

func (s *Service) disconnectAudioLocked(dev native.Address) bool {
	m := s.machines[dev]
	if m == nil {
		return false
	}
	if m.AudioState() == AudioOff {
		s.logger.Debug("audio already off", "device", dev)
		return false
	}
	m.post(message{what: msgDisconnectAudio})
	return true
}

// DisconnectAllAudio closes every SCO link and ends virtual calls and voice
// recognition.
func (s *Service) DisconnectAllAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := false
	for _, dev := range s.nonIdleAudioLocked() {
		if s.disconnectAudioLocked(dev) {
			result = true
		}
	}
	if s.virtualCall {
		s.stopScoUsingVirtualVoiceCallLocked()
	}
	if s.vrStarted {
		s.stopVoiceRecognitionLocked(s.active)
	}
	return result
}

// AudioState returns the audio view of dev.
func (s *Service) AudioState(dev native.Address) AudioState {
	if m := s.machine(dev); m != nil {
		return m.AudioState()
	}
	return AudioOff
}

// IsAudioOn reports whether any device has audio not Off.
func (s *Service) IsAudioOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAudioOnLocked()
}

func (s *Service) isAudioOnLocked() bool {
	return len(s.nonIdleAudioLocked()) > 0
}

func (s *Service) nonIdleAudioLocked() []native.Address {
	var out []native.Address
	for dev, m := range s.machines {
		if m.AudioState() != AudioOff {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsAudioConnected reports whether dev has audio On.
func (s *Service) IsAudioConnected(dev native.Address) bool {
	return s.AudioState(dev) == AudioOn
}

// ActiveDevice returns the active device, or the zero Address.
func (s *Service) ActiveDevice() native.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActiveDevice selects the device carrying call audio. The zero Address
// clears the selection.
func (s *Service) SetActiveDevice(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setActiveDeviceLocked(dev)
}

func (s *Service) setActiveDeviceLocked(dev native.Address) bool {
	if dev.IsZero() {
		if s.active.IsZero() {
			return true
		}
		prev := s.active
		if s.vrStarted && !s.stopVoiceRecognitionLocked(prev) {
			s.logger.Warn("failed to stop voice recognition", "device", prev)
			s.vrStarted = false
		}
		if s.virtualCall && !s.stopScoUsingVirtualVoiceCallLocked() {
			s.logger.Warn("failed to stop virtual call", "device", prev)
		}
		if m := s.machines[prev]; m != nil && m.AudioState() != AudioOff && !s.disconnectAudioLocked(prev) {
			s.logger.Warn("failed to disconnect audio", "device", prev)
		}
		if err := s.deps.Native.SetActiveDevice(""); err != nil {
			s.logger.Error("clear active device", "err", err)
		}
		s.active = ""
		s.broadcastActiveDeviceLocked("")
		return true
	}
	if dev == s.active {
		return true
	}
	m := s.machines[dev]
	if m == nil || m.ConnectionState() != ConnConnected {
		s.logger.Warn("cannot activate disconnected device", "device", dev)
		return false
	}
	if prev := s.active; !prev.IsZero() {
		// Switching between the earbuds of one pair keeps the current one.
		if peer, ok := s.deps.Adapter.PeerOf(dev); ok && peer == prev {
			if pm := s.machines[prev]; pm != nil && pm.ConnectionState() == ConnConnected {
				s.logger.Debug("ignoring switch to peer earbud", "device", dev)
				return true
			}
		}
	}
	if err := s.deps.Native.SetActiveDevice(dev); err != nil {
		s.logger.Error("set active device", "device", dev, "err", err)
		return false
	}
	prev := s.active
	s.active = dev
	if pm := s.machines[prev]; pm != nil && pm.AudioState() != AudioOff {
		if !s.disconnectAudioLocked(prev) {
			s.rollbackActiveLocked(prev)
			return false
		}
		s.broadcastActiveDeviceLocked(dev)
		return true
	}
	if s.shouldPersistAudioLocked() {
		s.broadcastActiveDeviceLocked(dev)
		if !s.connectAudioLocked(dev) {
			s.logger.Error("failed to move audio to new active device", "device", dev)
			s.rollbackActiveLocked(prev)
			return false
		}
		return true
	}
	s.broadcastActiveDeviceLocked(dev)
	return true
}

func (s *Service) rollbackActiveLocked(prev native.Address) {
	s.active = prev
	if err := s.deps.Native.SetActiveDevice(prev); err != nil {
		s.logger.Error("restore active device", "device", prev, "err", err)
	}
}

func (s *Service) broadcastActiveDeviceLocked(dev native.Address) {
	s.logger.Info("active device changed", "device", dev)
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ActiveDeviceChanged, Device: dev})
}

// connectedPeerLocked returns the connected other earbud of dev.
func (s *Service) connectedPeerLocked(dev native.Address) (native.Address, bool) {
	peer, ok := s.deps.Adapter.PeerOf(dev)
	if !ok {
		return "", false
	}
	if m := s.machines[peer]; m != nil && m.ConnectionState() == ConnConnected {
		return peer, true
	}
	return "", false
}

// IsScoAcceptable reports whether dev may carry SCO now.
func (s *Service) IsScoAcceptable(dev native.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isScoAcceptableLocked(dev)
}

func (s *Service) isScoAcceptableLocked(dev native.Address) bool {
	if s.forceSco {
		return true
	}
	if dev.IsZero() || dev != s.active {
		s.logger.Debug("sco rejected, device not active", "device", dev, "active", s.active)
		return false
	}
	if !s.audioRouteAllowed {
		s.logger.Debug("sco rejected, audio route not allowed")
		return false
	}
	sys := s.deps.System
	if sys.IsRinging() && !s.isInbandRingingEnabledLocked() {
		s.logger.Debug("sco rejected, ringing without in-band ringtone")
		return false
	}
	if s.vrStarted || s.virtualCall {
		return true
	}
	return s.shouldCallAudioBeActiveLocked()
}

func (s *Service) shouldCallAudioBeActiveLocked() bool {
	sys := s.deps.System
	return sys.IsInCall() || (sys.IsRinging() && s.isInbandRingingEnabledLocked())
}

// shouldPersistAudioLocked reports whether call audio must follow the
// active device. Virtual call audio is re-requested by its owner instead.
func (s *Service) shouldPersistAudioLocked() bool {
	return !s.virtualCall && s.shouldCallAudioBeActiveLocked()
}

// SetForceScoAudio bypasses the SCO gate.
func (s *Service) SetForceScoAudio(forced bool) {
	s.mu.Lock()
	s.forceSco = forced
	s.mu.Unlock()
	s.logger.Info("force sco audio", "forced", forced)
}

// SetAudioRouteAllowed allows or forbids SCO routing.
func (s *Service) SetAudioRouteAllowed(allowed bool) {
	s.mu.Lock()
	s.audioRouteAllowed = allowed
	s.mu.Unlock()
	if err := s.deps.Native.SetScoAllowed(allowed); err != nil {
		s.logger.Error("set sco allowed", "err", err)
	}
}

func (s *Service) AudioRouteAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioRouteAllowed
}

// IsInbandRingingEnabled reports whether the ringtone goes over SCO.
func (s *Service) IsInbandRingingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isInbandRingingEnabledLocked()
}

func (s *Service) isInbandRingingEnabledLocked() bool {
	return s.cfg.InbandRinging && !s.inbandDisabled
}

// IsVirtualCallStarted reports whether a virtual call holds SCO.
func (s *Service) IsVirtualCallStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.virtualCall
}

// StartScoUsingVirtualVoiceCall opens SCO on the active device by faking
// an outgoing call.
func (s *Service) StartScoUsingVirtualVoiceCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isAudioOnLocked() {
		s.logger.Warn("virtual call refused, audio not idle")
		return false
	}
	if s.active.IsZero() {
		s.logger.Warn("virtual call refused, no active device")
		return false
	}
	if s.virtualCall {
		s.logger.Warn("virtual call already started")
		return false
	}
	if s.deps.System.IsInCall() || s.deps.System.IsRinging() {
		s.logger.Warn("virtual call refused, telephony call in progress")
		return false
	}
	s.virtualCall = true
	s.phoneStateChangedLocked(native.PhoneCall{State: native.CallDialing}, true)
	return true
}

// StopScoUsingVirtualVoiceCall ends the virtual call.
func (s *Service) StopScoUsingVirtualVoiceCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopScoUsingVirtualVoiceCallLocked()
}

func (s *Service) stopScoUsingVirtualVoiceCallLocked() bool {
	if !s.virtualCall {
		s.logger.Warn("virtual call not started")
		return false
	}
	s.virtualCall = false
	s.phoneStateChangedLocked(native.PhoneCall{State: native.CallIdle}, true)
	return true
}

// onVirtualCallStep records a synthesized virtual call step as the phone
// state.
func (s *Service) onVirtualCallStep(c native.PhoneCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.virtualCall {
		s.deps.System.PhoneState().SetCall(c)
	}
}

// dialOutgoingCall dials on behalf of dev. It may only be called from the
// processing turn of dev's machine, which receives the result later.
func (s *Service) dialOutgoingCall(dev native.Address, number string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.machines[dev]
	if m == nil || !m.inTurn.Load() {
		s.logger.Error("dial must come from the device's machine", "device", dev)
		return false
	}
	if s.dialOut != nil {
		s.logger.Warn("dial already pending", "device", s.dialOut.dev)
		return false
	}
	if s.virtualCall && !s.stopScoUsingVirtualVoiceCallLocked() {
		return false
	}
	if !s.setActiveDeviceLocked(dev) {
		s.logger.Warn("dial refused, cannot activate device", "device", dev)
		return false
	}
	if err := s.deps.System.Dial(number); err != nil {
		s.logger.Error("dial failed", "device", dev, "err", err)
		return false
	}
	d := &pendingDial{dev: dev}
	d.timer = time.AfterFunc(s.cfg.Timing.DialOut, func() { s.onDialTimeout(d) })
	s.dialOut = d
	return true
}

func (s *Service) onDialTimeout(d *pendingDial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialOut != d {
		return
	}
	s.dialOut = nil
	s.logger.Warn("dial timed out", "device", d.dev)
	if m := s.machines[d.dev]; m != nil {
		m.post(message{what: msgDialingOutResult, arg1: 0})
	}
}

func (s *Service) cancelDialLocked() {
	if s.dialOut != nil {
		s.dialOut.timer.Stop()
		s.dialOut = nil
	}
}

// PhoneStateChanged delivers a telephony call update to every connecting
// or connected device.
func (s *Service) PhoneStateChanged(c native.PhoneCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phoneStateChangedLocked(c, false)
}

func (s *Service) phoneStateChangedLocked(c native.PhoneCall, virtual bool) {
	if !virtual && s.virtualCall {
		if c.Idle() {
			// An idle telephony update must not end the virtual call.
			c.NumActive = 1
		} else {
			s.stopScoUsingVirtualVoiceCallLocked()
		}
	}
	phone := s.deps.System.PhoneState()
	if d := s.dialOut; d != nil && !virtual {
		prev := phone.Call()
		progressed := c.State == native.CallDialing || c.State == native.CallAlerting ||
			(setup(prev.State) && (c.NumActive > prev.NumActive || c.State == native.CallActive))
		if progressed {
			s.cancelDialLocked()
			if m := s.machines[d.dev]; m != nil {
				m.post(message{what: msgDialingOutResult, arg1: 1})
			}
		}
	}
	phone.SetCall(c)
	for _, m := range s.machines {
		if st := m.ConnectionState(); st == ConnConnected || st == ConnConnecting {
			m.post(message{what: msgCallStateChanged, obj: callUpdate{call: c, virtual: virtual}})
		}
	}
}

// ClccResponse forwards one +CLCC entry to every connected device.
func (s *Service) ClccResponse(c native.Clcc) {
	s.postConnected(message{what: msgSendClccResponse, obj: c})
}

// SendVendorSpecificResultCode sends an unsolicited vendor result to dev.
func (s *Service) SendVendorSpecificResultCode(dev native.Address, command, arg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.machines[dev]
	if m == nil || m.ConnectionState() != ConnConnected {
		return false
	}
	if command != VendorResultCodeAndroid {
		s.logger.Warn("disallowed vendor result code", "command", command)
		return false
	}
	m.post(message{what: msgSendVendorSpecificResultCode, obj: vendorResult{command: command, arg: arg}})
	return true
}

// OnDeviceStateChanged pushes new network indicators.
func (s *Service) OnDeviceStateChanged(st native.DeviceStatus) {
	s.deps.System.PhoneState().SetStatus(st)
	s.postConnected(message{what: msgDeviceStateChanged, obj: st})
}

// OnBatteryChanged converts a platform battery level to the 0..5 indicator.
func (s *Service) OnBatteryChanged(level, scale int) {
	if scale <= 0 || level < 0 {
		return
	}
	phone := s.deps.System.PhoneState()
	phone.SetBatteryCharge(level * 5 / scale)
	s.postConnected(message{what: msgDeviceStateChanged, obj: phone.Status()})
}

// OnScoVolumeChanged applies a new call volume to every connected device.
func (s *Service) OnScoVolumeChanged(volume int) {
	s.postConnected(message{what: msgScoVolumeChanged, arg1: volume})
}

// OnAudioServerRestarted restores SCO routing and the audio parameters of
// the device carrying audio after the platform audio server came back.
func (s *Service) OnAudioServerRestarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machines {
		if m.State() == StateAudioOn {
			m.post(message{what: msgAudioServerRestarted})
		}
	}
}

// UpdateCallType records whether the current call is cellular. A non
// cellular call raises the VoIP audio hint while SCO is up.
func (s *Service) UpdateCallType(cs bool) {
	s.deps.System.PhoneState().SetCsCall(cs)
	arg := 0
	if cs {
		arg = 1
	}
	s.postConnected(message{what: msgUpdateCallType, arg1: arg})
}

// OnBondStateChanged drops the machine of an unpaired, disconnected device.
func (s *Service) OnBondStateChanged(dev native.Address, bond BondState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bond != BondNone {
		return
	}
	if m := s.machines[dev]; m != nil && m.ConnectionState() == ConnDisconnected {
		s.removeMachineLocked(dev)
	}
}

// OnA2dpPlayStateChanged feeds media playback state to the audio sync.
func (s *Service) OnA2dpPlayStateChanged(dev native.Address, playing bool) {
	if t, ok := s.deps.A2dp.(mediaTracker); ok {
		t.UpdatePlayState(dev, playing)
	}
}

// OnA2dpConnectionStateChanged feeds media link state to the audio sync.
func (s *Service) OnA2dpConnectionStateChanged(dev native.Address, connected bool) {
	if t, ok := s.deps.A2dp.(mediaTracker); ok {
		t.UpdateConnectionState(dev, connected)
	}
}

func (s *Service) onA2dpNotification(n a2dpsync.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machines {
		if st := m.ConnectionState(); st == ConnConnected || st == ConnConnecting {
			m.post(message{what: msgA2dpStateChanged, arg1: int(n)})
		}
	}
}

func (s *Service) postConnected(msg message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postConnectedLocked(msg)
}

// FirstConnectedAudioDevice returns the connecting or connected device that
// started connecting first.
func (s *Service) FirstConnectedAudioDevice() (native.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		first native.Address
		since time.Time
	)
	for _, dev := range s.devicesMatchingLocked(ConnConnecting, ConnConnected) {
		t := s.machines[dev].ConnectingSince()
		if first.IsZero() || t.Before(since) {
			first, since = dev, t
		}
	}
	return first, !first.IsZero()
}

func (s *Service) deviceName(dev native.Address) string {
	if n := s.deps.Adapter.Name(dev); n != "" {
		return n
	}
	return string(dev)
}

func (s *Service) onConnectionStateChanged(dev native.Address, from, to ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connectable := s.devicesMatchingLocked(ConnConnecting, ConnConnected)
	if from != ConnConnected && to == ConnConnected && len(connectable) > 1 && !s.inbandDisabled {
		s.logger.Info("disabling in-band ringing, several devices connected")
		s.inbandDisabled = true
		s.postConnectedLocked(message{what: msgSendBsir, arg1: 0})
	}
	if from == ConnDisconnected || to != ConnDisconnected {
		return
	}
	if len(connectable) <= 1 && s.inbandDisabled {
		s.inbandDisabled = false
		if s.cfg.InbandRinging {
			s.postConnectedLocked(message{what: msgSendBsir, arg1: 1})
		}
	}
	if dev == s.active {
		if s.vrStarted {
			// Voice recognition belongs to the active device and ends with its link.
			s.logger.Info("voice recognition ended by disconnect", "device", dev)
			s.vrStarted = false
		}
		if peer, ok := s.connectedPeerLocked(dev); ok {
			s.setActiveDeviceLocked(peer)
		} else {
			s.setActiveDeviceLocked("")
		}
	}
	if s.deps.Adapter.BondState(dev) == BondNone {
		s.removeMachineLocked(dev)
	}
}

func (s *Service) postConnectedLocked(msg message) {
	for _, m := range s.machines {
		if m.ConnectionState() == ConnConnected {
			m.post(msg)
		}
	}
}

func (s *Service) onAudioStateChanged(dev native.Address, from, to AudioState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio := s.deps.System.Audio()
	switch {
	case to == AudioOn:
		audio.SetBluetoothScoOn(true)
	case to == AudioOff && from != AudioOff:
		if !s.isAudioOnLocked() {
			audio.SetBluetoothScoOn(false)
		}
		if s.virtualCall && dev == s.active {
			s.stopScoUsingVirtualVoiceCallLocked()
		}
		if !s.active.IsZero() && dev != s.active && s.shouldPersistAudioLocked() {
			if !s.connectAudioLocked(s.active) {
				s.logger.Warn("failed to move audio to active device", "device", s.active, "from", dev)
			}
		}
	}
}
