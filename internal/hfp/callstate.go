package hfp

import (
	"bluetooth-hfp/internal/a2dpsync"
	"bluetooth-hfp/internal/native"
)

// Call indicator delivery.
//
// Real calls go through a short holding queue: alerting is held for
// CsAlerting after dialing and active for CsActive after alerting, so a call
// that ends before the timer fires replaces the queued update instead of
// flashing through it. Active entries are queued with State CallIdle and
// NumActive 1, which is how they are told apart from alerting entries.
//
// Virtual calls are synthesized in three steps: dialing now, alerting after
// VoipAlerting and active after VoipActive.
//
// While media is streaming nothing reaches the headset until the stream is
// suspended; updates wait in a2dpPending.
//
// When the only active call ends and a waiting call is left ringing, the
// headset first sees the call go idle and gets the incoming indication
// IncomingCallInd later. Some headsets drop a waiting call that turns into
// an incoming one within a single update.

func (m *Machine) onCallUpdate(u callUpdate) {
	if !u.virtual {
		m.removeMessages(msgSendIncomingCallInd)
		if waitingCallPromoted(m.call, u.call) {
			m.deferIncomingCallIndication(u.call)
			return
		}
		m.processCallStatesDelayed(u.call)
		return
	}
	switch {
	case u.call.State == native.CallDialing:
		m.cancelVoipSteps()
		m.processCallState(u.call, true)
	case u.call.Idle():
		m.cancelVoipSteps()
		m.processCallState(u.call, true)
		if m.State().Audio() != AudioOff && !m.sys.IsInCall() {
			m.post(message{what: msgDisconnectAudio})
		}
	default:
		m.processCallState(u.call, true)
	}
}

func waitingCallPromoted(prev, c native.PhoneCall) bool {
	return prev.NumActive == 1 && c.NumActive == 0 && c.NumHeld == 0 && c.State == native.CallIncoming
}

func (m *Machine) deferIncomingCallIndication(c native.PhoneCall) {
	m.logger.Info("active call ended with a call waiting, delaying incoming indication")
	idle := c
	idle.State = native.CallIdle
	m.processCallState(idle, false)
	m.call = c
	if m.State().Audio() != AudioOff {
		m.post(message{what: msgDisconnectAudio})
	}
	m.sendDelayed(message{what: msgSendIncomingCallInd}, m.timing.IncomingCallInd)
}

// sendIncomingCallIndication reports the ringing call held back by
// deferIncomingCallIndication, unless the call moved on meanwhile.
func (m *Machine) sendIncomingCallIndication() {
	c := m.call
	if c.State != native.CallIncoming || c.NumActive != 0 || c.NumHeld != 0 {
		m.logger.Debug("incoming indication no longer current", "state", c.State)
		return
	}
	m.deliverCall(c, false)
}

func (m *Machine) delayedHead() (native.PhoneCall, bool) {
	if len(m.delayedCS) == 0 {
		return native.PhoneCall{}, false
	}
	return m.delayedCS[0], true
}

func (m *Machine) popDelayed() native.PhoneCall {
	head := m.delayedCS[0]
	m.delayedCS = m.delayedCS[1:]
	return head
}

func setup(s native.CallState) bool {
	return s == native.CallDialing || s == native.CallAlerting
}

func (m *Machine) processCallStatesDelayed(c native.PhoneCall) {
	prev := m.call
	sameCounts := prev.NumActive == c.NumActive && prev.NumHeld == c.NumHeld

	switch {
	case c.State == native.CallDialing:
		m.processCallState(c, false)

	case c.State == native.CallAlerting && prev.State == native.CallDialing && sameCounts:
		m.delayedCS = append(m.delayedCS, c)
		m.sendDelayed(message{what: msgCsAlerting}, m.timing.CsAlerting)

	case prev.NumActive == 0 && c.NumActive == 1 && prev.NumHeld == c.NumHeld && setup(prev.State):
		head, ok := m.delayedHead()
		m.delayedCS = append(m.delayedCS, c)
		if !ok || head.State != native.CallAlerting {
			m.sendDelayed(message{what: msgCsActive}, m.timing.CsActive)
		}

	case setup(prev.State) && c.State == native.CallIdle && sameCounts:
		// The call ended during setup. A queued alerting is still sent so
		// the headset sees a consistent sequence; a queued active is not.
		if head, ok := m.delayedHead(); ok && head.State == native.CallAlerting {
			m.removeMessages(msgCsAlerting)
			m.processCallState(m.popDelayed(), false)
		}
		if head, ok := m.delayedHead(); ok && head.State == native.CallIdle {
			m.removeMessages(msgCsActive)
			m.popDelayed()
		}
		m.processCallState(c, false)

	default:
		if len(m.delayedCS) > 0 {
			m.removeMessages(msgCsAlerting)
			m.removeMessages(msgCsActive)
			for len(m.delayedCS) > 0 {
				m.processCallState(m.popDelayed(), false)
			}
		}
		m.processCallState(c, false)
	}
}

func (m *Machine) onCsAlertingTimer() {
	if head, ok := m.delayedHead(); ok && head.State == native.CallAlerting {
		m.processCallState(m.popDelayed(), false)
	}
	if head, ok := m.delayedHead(); ok && head.State == native.CallIdle {
		m.sendDelayed(message{what: msgCsActive}, m.timing.CsActive)
	}
}

func (m *Machine) onCsActiveTimer() {
	if head, ok := m.delayedHead(); ok && head.State == native.CallIdle {
		m.processCallState(m.popDelayed(), false)
	}
}

func (m *Machine) processCallState(c native.PhoneCall, virtual bool) {
	if !virtual {
		if head, ok := m.delayedHead(); ok && head.State == native.CallAlerting && c.State == native.CallAlerting {
			c.State = native.CallDialing
		}
	}
	m.call = c
	m.deliverCall(c, virtual)
}

// deliverCall sends c to the headset unless media is still streaming.
func (m *Machine) deliverCall(c native.PhoneCall, virtual bool) {
	if m.a2dpWaiting {
		m.a2dpPending = append(m.a2dpPending, callUpdate{call: c, virtual: virtual})
		if c.Idle() && !m.sys.IsInCall() && !m.sys.IsRinging() {
			m.logger.Info("call ended before media was suspended")
			m.flushA2dpPending()
		}
		return
	}
	if (m.sys.IsInCall() || m.sys.IsRinging()) && m.a2dp.IsPlaying() {
		reason := a2dpsync.ReasonCall
		if virtual {
			reason = a2dpsync.ReasonVirtualCall
		}
		suspended := m.a2dp.Suspend(reason, m.dev)
		m.a2dpHeld = true
		if !suspended && !virtual {
			m.logger.Info("holding call indicators until media is suspended")
			m.a2dpWaiting = true
			m.a2dpPending = append(m.a2dpPending, callUpdate{call: c, virtual: virtual})
			return
		}
	}
	m.sendCallState(c, virtual)
	m.maybeReleaseA2dp()
}

func (m *Machine) flushA2dpPending() {
	pending := m.a2dpPending
	m.a2dpPending = nil
	m.a2dpWaiting = false
	for _, u := range pending {
		m.sendCallState(u.call, u.virtual)
	}
	m.maybeReleaseA2dp()
}

func (m *Machine) sendCallState(c native.PhoneCall, virtual bool) {
	m.logger.Debug("phone state", "active", c.NumActive, "held", c.NumHeld, "state", c.State, "virtual", virtual)
	m.logErr("phone state", m.stack.PhoneStateChange(m.dev, c))
	if virtual && c.State == native.CallDialing && c.NumActive == 0 && c.NumHeld == 0 {
		m.scheduleVoipSteps()
	}
}

// maybeReleaseA2dp drops the media suspension once nothing needs it.
func (m *Machine) maybeReleaseA2dp() {
	if !m.a2dpHeld || m.a2dpWaiting || m.pendingScoForVR || m.vrStarted {
		return
	}
	if m.sys.IsInCall() || m.sys.IsRinging() || m.State().Audio() != AudioOff {
		return
	}
	m.a2dp.Release(m.dev)
	m.a2dpHeld = false
	m.logger.Debug("media suspension released")
}

func (m *Machine) onA2dpNotification(n a2dpsync.Notification) {
	m.logger.Debug("media stream stopped", "notification", n)
	if m.a2dpWaiting {
		m.flushA2dpPending()
	}
	if m.pendingScoForVR {
		m.pendingScoForVR = false
		if m.vrStarted && m.State() == StateConnected {
			m.connectAudio()
		}
	}
}

func (m *Machine) scheduleVoipSteps() {
	m.cancelVoipSteps()
	m.sendDelayed(message{what: msgVoipAlerting, obj: native.PhoneCall{State: native.CallAlerting}}, m.timing.VoipAlerting)
	m.sendDelayed(message{what: msgVoipActive, obj: native.PhoneCall{NumActive: 1, State: native.CallIdle}}, m.timing.VoipActive)
}

func (m *Machine) cancelVoipSteps() {
	m.removeMessages(msgVoipAlerting)
	m.removeMessages(msgVoipActive)
}

func (m *Machine) onVoipStep(c native.PhoneCall, active bool) {
	if !m.host.IsVirtualCallStarted() {
		return
	}
	m.processCallState(c, true)
	m.host.onVirtualCallStep(c)
	if active && m.host.ActiveDevice() == m.dev && m.State() == StateConnected {
		m.connectAudio()
	}
}
