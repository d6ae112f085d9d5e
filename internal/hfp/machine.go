package hfp

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bluetooth-hfp/internal/a2dpsync"
	"bluetooth-hfp/internal/eventbus"
	"bluetooth-hfp/internal/native"
	"bluetooth-hfp/internal/system"
)

type msgType int

const (
	msgConnect msgType = iota + 1
	msgDisconnect
	msgConnectAudio
	msgDisconnectAudio
	msgVoiceRecognitionStart
	msgVoiceRecognitionStop
	msgCallStateChanged
	msgDeviceStateChanged
	msgScoVolumeChanged
	msgSendClccResponse
	msgSendVendorSpecificResultCode
	msgSendBsir
	msgDialingOutResult
	msgA2dpStateChanged
	msgStackEvent
	msgUpdateCallType
	msgAudioServerRestarted

	// Delayed messages.
	msgConnectTimeout
	msgRetryConnect
	msgClccRspTimeout
	msgStartVrTimeout
	msgCsAlerting
	msgCsActive
	msgVoipAlerting
	msgVoipActive
	msgQueryPhoneState
	msgSendIncomingCallInd
)

var msgNames = map[msgType]string{
	msgConnect:                      "connect",
	msgDisconnect:                   "disconnect",
	msgConnectAudio:                 "connect_audio",
	msgDisconnectAudio:              "disconnect_audio",
	msgVoiceRecognitionStart:        "vr_start",
	msgVoiceRecognitionStop:         "vr_stop",
	msgCallStateChanged:             "call_state_changed",
	msgDeviceStateChanged:           "device_state_changed",
	msgScoVolumeChanged:             "sco_volume_changed",
	msgSendClccResponse:             "clcc_response",
	msgSendVendorSpecificResultCode: "vendor_result_code",
	msgSendBsir:                     "bsir",
	msgDialingOutResult:             "dialing_out_result",
	msgA2dpStateChanged:             "a2dp_state_changed",
	msgStackEvent:                   "stack_event",
	msgUpdateCallType:               "update_call_type",
	msgAudioServerRestarted:         "audio_server_restarted",
	msgConnectTimeout:               "connect_timeout",
	msgRetryConnect:                 "retry_connect",
	msgClccRspTimeout:               "clcc_timeout",
	msgStartVrTimeout:               "vr_start_timeout",
	msgCsAlerting:                   "cs_alerting",
	msgCsActive:                     "cs_active",
	msgVoipAlerting:                 "voip_alerting",
	msgVoipActive:                   "voip_active",
	msgQueryPhoneState:              "query_phone_state",
	msgSendIncomingCallInd:          "incoming_call_indication",
}

func (t msgType) String() string {
	if s, ok := msgNames[t]; ok {
		return s
	}
	return fmt.Sprintf("msg(%d)", int(t))
}

type message struct {
	what  msgType
	arg1  int
	obj   any
	event native.Event
	// timer is set on delayed messages; a message whose timer is no
	// longer live was cancelled and is dropped.
	timer uint64
}

type callUpdate struct {
	call    native.PhoneCall
	virtual bool
}

type vendorResult struct {
	command string
	arg     string
}

type liveTimer struct {
	what msgType
	t    *time.Timer
}

// host is the part of the service a machine calls back into. Methods are
// invoked from inside a processing turn and must not block on the machine.
type host interface {
	IsScoAcceptable(dev native.Address) bool
	IsVirtualCallStarted() bool
	StopScoUsingVirtualVoiceCall() bool
	ActiveDevice() native.Address
	SetActiveDevice(dev native.Address) bool

	okToAcceptConnection(dev native.Address) bool
	onConnectionStateChanged(dev native.Address, from, to ConnectionState)
	onAudioStateChanged(dev native.Address, from, to AudioState)
	dialOutgoingCall(dev native.Address, number string) bool
	onVirtualCallStep(call native.PhoneCall)
	onVoiceRecognitionStopped(dev native.Address)
	deviceName(dev native.Address) string
}

type machineDeps struct {
	stack  native.Interface
	sys    system.Interface
	a2dp   a2dpsync.Syncer
	bus    *eventbus.Bus
	timing Timing
	logger *slog.Logger
}

// Machine is the state machine of one remote hands-free unit. All protocol
// work happens in processing turns run on the shared worker pool; a machine
// is never processed by two workers at once.
type Machine struct {
	dev    native.Address
	host   host
	stack  native.Interface
	sys    system.Interface
	a2dp   a2dpsync.Syncer
	bus    *eventbus.Bus
	timing Timing
	logger *slog.Logger
	pool   *workerPool
	book   *atPhonebook

	mu              sync.Mutex
	inbox           []message
	scheduled       bool
	quit            bool
	state           State
	connectingSince time.Time
	timers          map[uint64]liveTimer
	timerSeq        uint64

	inTurn atomic.Bool

	// Owned by the processing turn.
	prevState       State
	deferred        []message
	connectAttempts int
	outgoing        bool
	vrStarted       bool
	vrWaiting       bool
	dialingOut      bool
	pendingScoForVR bool
	indicators      native.AgIndicatorEnableState
	nrec            bool
	wbs             bool
	speakerVolume   int
	micVolume       int
	call            native.PhoneCall
	delayedCS       []native.PhoneCall
	a2dpPending     []callUpdate
	a2dpWaiting     bool
	a2dpHeld        bool
	voipAudio       bool
}

func newMachine(dev native.Address, h host, d machineDeps, pool *workerPool) *Machine {
	m := &Machine{
		dev:       dev,
		host:      h,
		stack:     d.stack,
		sys:       d.sys,
		a2dp:      d.a2dp,
		bus:       d.bus,
		timing:    d.timing,
		logger:    d.logger.With("device", dev),
		pool:      pool,
		state:     stateInitial,
		prevState: stateInitial,
		timers:    make(map[uint64]liveTimer),
		call:      native.PhoneCall{State: native.CallIdle},
		nrec:      true,
	}
	m.book = newATPhonebook(m)
	m.transitionTo(StateDisconnected)
	return m
}

// Device returns the remote address.
func (m *Machine) Device() native.Address { return m.dev }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) ConnectionState() ConnectionState { return m.State().Connection() }

func (m *Machine) AudioState() AudioState { return m.State().Audio() }

// ConnectingSince returns when the machine last entered Connecting, or the
// zero time while disconnected.
func (m *Machine) ConnectingSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectingSince
}

// post appends msg to the inbox and schedules a processing turn.
func (m *Machine) post(msg message) {
	m.mu.Lock()
	if m.quit {
		m.mu.Unlock()
		return
	}
	m.inbox = append(m.inbox, msg)
	if m.scheduled {
		m.mu.Unlock()
		return
	}
	m.scheduled = true
	m.mu.Unlock()
	m.schedule()
}

func (m *Machine) schedule() {
	if !m.pool.submit(m.drain) {
		m.mu.Lock()
		m.scheduled = false
		m.mu.Unlock()
	}
}

// drainBatch bounds one turn so a busy machine yields its worker.
const drainBatch = 16

func (m *Machine) drain() {
	for i := 0; ; i++ {
		m.mu.Lock()
		if m.quit || len(m.inbox) == 0 {
			m.scheduled = false
			m.mu.Unlock()
			return
		}
		if i == drainBatch {
			m.mu.Unlock()
			m.schedule()
			return
		}
		msg := m.inbox[0]
		m.inbox = m.inbox[1:]
		if msg.timer != 0 {
			if _, ok := m.timers[msg.timer]; !ok {
				m.mu.Unlock()
				continue
			}
			delete(m.timers, msg.timer)
		}
		m.mu.Unlock()

		m.inTurn.Store(true)
		m.dispatch(msg)
		m.inTurn.Store(false)
	}
}

// sendDelayed posts msg after d unless removeMessages cancels it first.
func (m *Machine) sendDelayed(msg message, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quit {
		return
	}
	m.timerSeq++
	msg.timer = m.timerSeq
	t := time.AfterFunc(d, func() { m.post(msg) })
	m.timers[msg.timer] = liveTimer{what: msg.what, t: t}
}

func (m *Machine) removeMessages(what msgType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, lt := range m.timers {
		if lt.what == what {
			lt.t.Stop()
			delete(m.timers, id)
		}
	}
}

func (m *Machine) hasMessages(what msgType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lt := range m.timers {
		if lt.what == what {
			return true
		}
	}
	return false
}

func (m *Machine) deferMessage(msg message) {
	m.logger.Debug("deferring message", "msg", msg.what, "state", m.State())
	m.deferred = append(m.deferred, msg)
}

// destroy stops the machine. Queued messages and timers are dropped.
func (m *Machine) destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quit = true
	m.inbox = nil
	for id, lt := range m.timers {
		lt.t.Stop()
		delete(m.timers, id)
	}
}

// transitionTo runs the exit action of the current state, the entry check
// and entry action of to, and replays deferred messages ahead of the inbox.
func (m *Machine) transitionTo(to State) {
	from := m.State()
	if from == to {
		return
	}
	if err := checkTransition(from, to); err != nil {
		panic(err)
	}
	m.exit(from)

	m.mu.Lock()
	m.state = to
	switch to {
	case StateConnecting:
		m.connectingSince = time.Now()
	case StateDisconnected:
		m.connectingSince = time.Time{}
	}
	if len(m.deferred) > 0 {
		inbox := make([]message, 0, len(m.deferred)+len(m.inbox))
		inbox = append(inbox, m.deferred...)
		m.inbox = append(inbox, m.inbox...)
		m.deferred = nil
	}
	m.mu.Unlock()

	m.prevState = from
	if from != stateInitial {
		m.logger.Info("state transition", "from", from, "to", to)
	}
	m.enter(to, from)
}

func (m *Machine) exit(from State) {
	switch from {
	case StateConnecting, StateDisconnecting, StateAudioConnecting, StateAudioDisconnecting:
		m.removeMessages(msgConnectTimeout)
	}
}

func (m *Machine) enter(to, from State) {
	switch to {
	case StateDisconnected:
		m.enterDisconnected(from)
	case StateConnecting:
		m.sendDelayed(message{what: msgConnectTimeout}, m.timing.Connect)
		m.call = m.sys.PhoneState().Call()
		m.indicators = native.AllIndicatorsEnabled
		m.broadcastConnection(from.Connection(), ConnConnecting)
	case StateDisconnecting:
		m.sendDelayed(message{what: msgConnectTimeout}, m.timing.Connect)
		if a := from.Audio(); a != AudioOff {
			m.broadcastAudio(a, AudioOff)
		}
		m.broadcastConnection(ConnConnected, ConnDisconnecting)
	case StateConnected:
		m.enterConnected(from)
	case StateAudioConnecting:
		m.sendDelayed(message{what: msgConnectTimeout}, m.timing.Connect)
		m.broadcastAudio(AudioOff, AudioConnecting)
	case StateAudioOn:
		m.applyAudioParameters()
		m.broadcastAudio(from.Audio(), AudioOn)
	case StateAudioDisconnecting:
		m.sendDelayed(message{what: msgConnectTimeout}, m.timing.Connect)
		m.broadcastAudio(AudioOn, AudioDisconnecting)
	}
}

func (m *Machine) enterDisconnected(from State) {
	for _, t := range []msgType{msgClccRspTimeout, msgStartVrTimeout, msgCsAlerting, msgCsActive, msgVoipAlerting, msgVoipActive, msgQueryPhoneState, msgSendIncomingCallInd} {
		m.removeMessages(t)
	}
	if m.vrWaiting {
		m.sys.WakeLock().Release()
	}
	m.vrStarted = false
	m.vrWaiting = false
	m.dialingOut = false
	m.pendingScoForVR = false
	m.delayedCS = nil
	m.a2dpPending = nil
	m.a2dpWaiting = false
	if m.a2dpHeld {
		m.a2dp.Release(m.dev)
		m.a2dpHeld = false
	}
	m.nrec = true
	m.wbs = false
	m.book.reset()
	if from == stateInitial {
		return
	}
	if from != StateConnecting {
		m.sys.ListenForPhoneState(m.dev, native.AgIndicatorEnableState{})
	}
	if a := from.Audio(); a != AudioOff {
		m.broadcastAudio(a, AudioOff)
	}
	m.broadcastConnection(from.Connection(), ConnDisconnected)
}

func (m *Machine) enterConnected(from State) {
	switch from {
	case StateConnecting:
		m.connectAttempts = 0
		m.outgoing = false
		m.sys.ListenForPhoneState(m.dev, m.indicators)
		m.sendDelayed(message{what: msgQueryPhoneState}, m.timing.QueryPhoneState)
		m.broadcastConnection(ConnConnecting, ConnConnected)
	case StateAudioConnecting, StateAudioOn, StateAudioDisconnecting:
		m.broadcastAudio(from.Audio(), AudioOff)
		m.maybeReleaseA2dp()
	}
}

func (m *Machine) broadcastConnection(from, to ConnectionState) {
	m.logger.Info("connection state changed", "from", from, "to", to)
	m.host.onConnectionStateChanged(m.dev, from, to)
	m.bus.Publish(eventbus.Event{
		Type:      eventbus.ConnectionStateChanged,
		Device:    m.dev,
		PrevState: int(from),
		State:     int(to),
	})
}

func (m *Machine) broadcastAudio(from, to AudioState) {
	m.logger.Info("audio state changed", "from", from, "to", to)
	m.trackVoipAudio(from, to)
	m.host.onAudioStateChanged(m.dev, from, to)
	m.bus.Publish(eventbus.Event{
		Type:      eventbus.AudioStateChanged,
		Device:    m.dev,
		PrevState: int(from),
		State:     int(to),
	})
}

func (m *Machine) logErr(op string, err error) {
	if err != nil {
		m.logger.Error("stack request failed", "op", op, "err", err)
	}
}

func (m *Machine) dispatch(msg message) {
	state := m.State()
	if msg.what == msgStackEvent {
		m.logger.Debug("stack event", "event", msg.event, "state", state)
	} else {
		m.logger.Debug("message", "msg", msg.what, "state", state)
	}
	switch state {
	case StateDisconnected:
		m.processDisconnected(msg)
	case StateConnecting:
		m.processConnecting(msg)
	case StateDisconnecting:
		m.processDisconnecting(msg)
	case StateConnected:
		if !m.processConnected(msg) {
			m.processConnectedCommon(msg)
		}
	case StateAudioConnecting:
		if !m.processAudioConnecting(msg) {
			m.processConnectedCommon(msg)
		}
	case StateAudioOn:
		if !m.processAudioOn(msg) {
			m.processConnectedCommon(msg)
		}
	case StateAudioDisconnecting:
		if !m.processAudioDisconnecting(msg) {
			m.processConnectedCommon(msg)
		}
	}
}

func (m *Machine) processDisconnected(msg message) {
	switch msg.what {
	case msgConnect:
		m.removeMessages(msgRetryConnect)
		m.connectAttempts = 0
		m.outgoing = true
		m.attemptConnect()
	case msgRetryConnect:
		m.attemptConnect()
	case msgCallStateChanged:
		m.call = msg.obj.(callUpdate).call
	case msgStackEvent:
		ev := msg.event
		if ev.Type != native.EventConnectionStateChanged {
			m.logger.Warn("unexpected stack event while disconnected", "event", ev.Type)
			return
		}
		switch native.ConnectionState(ev.ValueInt) {
		case native.ConnectionConnecting, native.ConnectionConnected:
			if !m.host.okToAcceptConnection(m.dev) {
				m.logger.Warn("incoming connection rejected")
				m.logErr("disconnect", m.stack.DisconnectHfp(m.dev))
				return
			}
			m.removeMessages(msgRetryConnect)
			m.outgoing = false
			m.transitionTo(StateConnecting)
		case native.ConnectionDisconnecting:
			m.logger.Warn("ignoring disconnecting event while disconnected")
		}
	}
}

func (m *Machine) attemptConnect() {
	m.connectAttempts++
	if err := m.stack.Connect(m.dev); err != nil {
		m.logger.Error("connect failed", "attempt", m.connectAttempts, "err", err)
		if !m.scheduleRetry() {
			m.broadcastConnection(ConnDisconnected, ConnDisconnected)
		}
		return
	}
	m.transitionTo(StateConnecting)
}

// scheduleRetry arms a reconnect for an outgoing attempt that has retries
// left. It reports false once the attempt is abandoned.
func (m *Machine) scheduleRetry() bool {
	if !m.outgoing || m.connectAttempts >= m.timing.MaxConnectAttempts {
		m.connectAttempts = 0
		m.outgoing = false
		return false
	}
	m.logger.Info("retrying connect", "after", m.timing.RetryBackoff)
	m.sendDelayed(message{what: msgRetryConnect}, m.timing.RetryBackoff)
	return true
}

func (m *Machine) processConnecting(msg message) {
	switch msg.what {
	case msgConnect, msgDisconnect, msgConnectAudio, msgDisconnectAudio:
		m.deferMessage(msg)
	case msgConnectTimeout:
		m.logger.Warn("connect timed out")
		m.logErr("disconnect", m.stack.DisconnectHfp(m.dev))
		m.connectAttempts = 0
		m.outgoing = false
		m.transitionTo(StateDisconnected)
	case msgCallStateChanged:
		m.call = msg.obj.(callUpdate).call
	case msgStackEvent:
		ev := msg.event
		switch ev.Type {
		case native.EventConnectionStateChanged:
			switch native.ConnectionState(ev.ValueInt) {
			case native.ConnectionDisconnected:
				m.transitionTo(StateDisconnected)
				m.scheduleRetry()
			case native.ConnectionSlcConnected:
				m.transitionTo(StateConnected)
			case native.ConnectionConnected:
				m.logger.Debug("rfcomm connected, waiting for service level connection")
			default:
				m.logger.Warn("unexpected connection event while connecting", "event", ev)
			}
		case native.EventAtCind:
			m.processAtCind()
		case native.EventWbs:
			m.processWbs(ev.ValueInt)
		case native.EventBind:
			m.processAtBind(ev.ValueString)
		case native.EventBia:
			m.processBia(ev.Indicators)
		case native.EventAtChld:
			m.processAtChld(ev.ValueInt)
		default:
			m.logger.Warn("unexpected stack event while connecting", "event", ev)
		}
	}
}

func (m *Machine) processDisconnecting(msg message) {
	switch msg.what {
	case msgConnect, msgDisconnect, msgConnectAudio, msgDisconnectAudio:
		m.deferMessage(msg)
	case msgConnectTimeout:
		m.logger.Warn("disconnect timed out")
		m.transitionTo(StateDisconnected)
	case msgStackEvent:
		ev := msg.event
		if ev.Type != native.EventConnectionStateChanged {
			m.logger.Debug("ignoring stack event while disconnecting", "event", ev.Type)
			return
		}
		switch native.ConnectionState(ev.ValueInt) {
		case native.ConnectionDisconnected:
			m.transitionTo(StateDisconnected)
		case native.ConnectionDisconnecting:
		default:
			m.logger.Warn("unexpected connection event while disconnecting", "event", ev)
		}
	}
}

// processConnectionEvent handles link state changes common to Connected
// and its audio sub-states.
func (m *Machine) processConnectionEvent(ev native.Event) {
	switch native.ConnectionState(ev.ValueInt) {
	case native.ConnectionDisconnected:
		m.transitionTo(StateDisconnected)
	case native.ConnectionDisconnecting:
		m.transitionTo(StateDisconnecting)
	default:
		m.logger.Debug("ignoring connection event", "event", ev)
	}
}

func (m *Machine) disconnect() {
	if err := m.stack.DisconnectHfp(m.dev); err != nil {
		m.logger.Error("disconnect failed", "err", err)
		m.broadcastConnection(ConnConnected, ConnConnected)
		return
	}
	m.transitionTo(StateDisconnecting)
}

func (m *Machine) connectAudio() {
	if !m.host.IsScoAcceptable(m.dev) {
		m.logger.Warn("audio connection not acceptable")
		m.broadcastAudio(AudioOff, AudioOff)
		return
	}
	if err := m.stack.ConnectAudio(m.dev); err != nil {
		m.logger.Error("connect audio failed", "err", err)
		m.broadcastAudio(AudioOff, AudioOff)
		return
	}
	m.transitionTo(StateAudioConnecting)
}

func (m *Machine) processConnected(msg message) bool {
	switch msg.what {
	case msgConnect:
		m.logger.Debug("already connected")
	case msgDisconnect:
		m.disconnect()
	case msgConnectAudio:
		m.connectAudio()
	case msgDisconnectAudio:
		m.logger.Debug("audio already off")
	case msgStackEvent:
		ev := msg.event
		switch ev.Type {
		case native.EventConnectionStateChanged:
			m.processConnectionEvent(ev)
		case native.EventAudioStateChanged:
			switch native.AudioState(ev.ValueInt) {
			case native.AudioConnecting, native.AudioConnected:
				if !m.host.IsScoAcceptable(m.dev) {
					m.logger.Warn("rejecting incoming audio")
					m.logErr("disconnect audio", m.stack.DisconnectAudio(m.dev))
					return true
				}
				if native.AudioState(ev.ValueInt) == native.AudioConnecting {
					m.transitionTo(StateAudioConnecting)
				} else {
					m.transitionTo(StateAudioOn)
				}
			default:
				m.logger.Debug("ignoring audio event", "event", ev)
			}
		default:
			return false
		}
	default:
		return false
	}
	return true
}

func (m *Machine) processAudioConnecting(msg message) bool {
	switch msg.what {
	case msgConnect, msgDisconnect, msgConnectAudio, msgDisconnectAudio:
		m.deferMessage(msg)
	case msgConnectTimeout:
		m.logger.Warn("audio connect timed out")
		m.transitionTo(StateConnected)
	case msgStackEvent:
		ev := msg.event
		switch ev.Type {
		case native.EventConnectionStateChanged:
			m.processConnectionEvent(ev)
		case native.EventAudioStateChanged:
			switch native.AudioState(ev.ValueInt) {
			case native.AudioDisconnected:
				m.logger.Warn("audio connection failed")
				m.transitionTo(StateConnected)
			case native.AudioConnected:
				m.transitionTo(StateAudioOn)
			default:
				m.logger.Debug("ignoring audio event", "event", ev)
			}
		default:
			return false
		}
	default:
		return false
	}
	return true
}

func (m *Machine) processAudioOn(msg message) bool {
	switch msg.what {
	case msgConnect, msgConnectAudio:
		m.logger.Debug("already connected with audio")
	case msgDisconnect:
		m.disconnect()
	case msgDisconnectAudio:
		if err := m.stack.DisconnectAudio(m.dev); err != nil {
			m.logger.Error("disconnect audio failed", "err", err)
			m.broadcastAudio(AudioOn, AudioOn)
			return true
		}
		m.transitionTo(StateAudioDisconnecting)
	case msgAudioServerRestarted:
		m.logger.Info("audio server restarted, restoring sco routing")
		m.applyAudioParameters()
		m.broadcastAudio(AudioOff, AudioOn)
	case msgStackEvent:
		ev := msg.event
		switch ev.Type {
		case native.EventConnectionStateChanged:
			m.processConnectionEvent(ev)
		case native.EventAudioStateChanged:
			switch native.AudioState(ev.ValueInt) {
			case native.AudioDisconnected:
				m.transitionTo(StateConnected)
			case native.AudioDisconnecting:
				m.transitionTo(StateAudioDisconnecting)
			default:
				m.logger.Debug("ignoring audio event", "event", ev)
			}
		default:
			return false
		}
	default:
		return false
	}
	return true
}

func (m *Machine) processAudioDisconnecting(msg message) bool {
	switch msg.what {
	case msgConnect, msgDisconnect, msgConnectAudio, msgDisconnectAudio:
		m.deferMessage(msg)
	case msgConnectTimeout:
		m.logger.Warn("audio disconnect timed out")
		m.transitionTo(StateConnected)
	case msgStackEvent:
		ev := msg.event
		switch ev.Type {
		case native.EventConnectionStateChanged:
			m.processConnectionEvent(ev)
		case native.EventAudioStateChanged:
			switch native.AudioState(ev.ValueInt) {
			case native.AudioDisconnected:
				m.transitionTo(StateConnected)
			case native.AudioConnected:
				m.logger.Warn("audio disconnect failed")
				m.transitionTo(StateAudioOn)
			default:
				m.logger.Debug("ignoring audio event", "event", ev)
			}
		default:
			return false
		}
	default:
		return false
	}
	return true
}

// processConnectedCommon handles messages valid in Connected and every
// audio sub-state.
func (m *Machine) processConnectedCommon(msg message) {
	switch msg.what {
	case msgVoiceRecognitionStart:
		m.startVoiceRecognitionLocal()
	case msgVoiceRecognitionStop:
		m.stopVoiceRecognitionLocal()
	case msgCallStateChanged:
		m.onCallUpdate(msg.obj.(callUpdate))
	case msgDeviceStateChanged:
		m.logErr("device status", m.stack.NotifyDeviceStatus(m.dev, msg.obj.(native.DeviceStatus)))
	case msgSendClccResponse:
		m.sendClccResponse(msg.obj.(native.Clcc))
	case msgClccRspTimeout:
		m.logger.Warn("call list timed out")
		m.logErr("clcc", m.stack.ClccResponse(m.dev, native.Clcc{}))
	case msgSendVendorSpecificResultCode:
		r := msg.obj.(vendorResult)
		m.logErr("vendor result", m.stack.AtResponseString(m.dev, r.command+": "+r.arg))
	case msgSendBsir:
		m.logErr("bsir", m.stack.SendBsir(m.dev, msg.arg1 == 1))
	case msgDialingOutResult:
		m.onDialingOutResult(msg.arg1 == 1)
	case msgStartVrTimeout:
		if m.vrWaiting {
			m.logger.Warn("voice recognition start timed out")
			m.vrWaiting = false
			m.sys.WakeLock().Release()
			m.logErr("at response", m.stack.AtResponseCode(m.dev, native.AtError, 0))
		}
	case msgScoVolumeChanged:
		if m.speakerVolume != msg.arg1 {
			m.speakerVolume = msg.arg1
			m.logErr("volume", m.stack.SetVolume(m.dev, native.VolumeSpeaker, msg.arg1))
		}
	case msgA2dpStateChanged:
		m.onA2dpNotification(a2dpsync.Notification(msg.arg1))
	case msgCsAlerting:
		m.onCsAlertingTimer()
	case msgCsActive:
		m.onCsActiveTimer()
	case msgVoipAlerting, msgVoipActive:
		m.onVoipStep(msg.obj.(native.PhoneCall), msg.what == msgVoipActive)
	case msgQueryPhoneState:
		m.logger.Debug("querying call state after service level connection")
		m.sys.QueryPhoneState()
	case msgSendIncomingCallInd:
		m.sendIncomingCallIndication()
	case msgUpdateCallType:
		if msg.arg1 == 0 && m.State() == StateAudioOn && !m.voipAudio {
			m.setVoipAudio(true)
		}
	case msgStackEvent:
		m.processAtEvent(msg.event)
	case msgConnectTimeout, msgRetryConnect:
	default:
		m.logger.Debug("message ignored", "msg", msg.what, "state", m.State())
	}
}

func (m *Machine) sendClccResponse(c native.Clcc) {
	if !m.hasMessages(msgClccRspTimeout) {
		m.logger.Debug("no call list request pending", "index", c.Index)
		return
	}
	if c.Index == 0 {
		m.removeMessages(msgClccRspTimeout)
	}
	m.logErr("clcc", m.stack.ClccResponse(m.dev, c))
}

func (m *Machine) onDialingOutResult(ok bool) {
	if !m.dialingOut {
		m.logger.Debug("no dial pending")
		return
	}
	m.dialingOut = false
	code := native.AtError
	if ok {
		code = native.AtOK
	}
	m.logErr("at response", m.stack.AtResponseCode(m.dev, code, 0))
}

func (m *Machine) applyAudioParameters() {
	kv := "bt_headset_name=" + m.host.deviceName(m.dev) +
		";bt_headset_nrec=" + onOff(m.nrec) +
		";bt_wbs=" + onOff(m.wbs)
	m.sys.Audio().SetParameters(kv)
}

// paramVoip tells the audio server that SCO carries a call outside the
// cellular network.
const paramVoip = "bt_voip="

// trackVoipAudio raises the VoIP hint while SCO is up for a non-cellular
// call. The call type falls back to cellular once SCO closes.
func (m *Machine) trackVoipAudio(from, to AudioState) {
	phone := m.sys.PhoneState()
	switch {
	case to == AudioOn:
		if !phone.IsCsCall() {
			m.setVoipAudio(true)
		}
	case to == AudioOff && (from == AudioOn || from == AudioDisconnecting):
		if m.voipAudio {
			m.setVoipAudio(false)
		}
		phone.SetCsCall(true)
	}
}

func (m *Machine) setVoipAudio(on bool) {
	m.voipAudio = on
	m.sys.Audio().SetParameters(paramVoip + onOff(on))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
