package hfp

import (
	"fmt"
	"strings"

	"bluetooth-hfp/internal/a2dpsync"
	"bluetooth-hfp/internal/eventbus"
	"bluetooth-hfp/internal/hfp/atcmd"
	"bluetooth-hfp/internal/native"
)

// Type-of-address values used in +CNUM and +CLCC.
const (
	toaUnknown       = 129
	toaInternational = 145
)

// +CME ERROR codes.
const (
	cmeOperationNotAllowed   = 3
	cmeOperationNotSupported = 4
	cmeInvalidIndex          = 21
)

func numberType(number string) int {
	if strings.HasPrefix(number, "+") {
		return toaInternational
	}
	return toaUnknown
}

func (m *Machine) ok() {
	m.logErr("at response", m.stack.AtResponseCode(m.dev, native.AtOK, 0))
}

func (m *Machine) atError(code int) {
	m.logErr("at response", m.stack.AtResponseCode(m.dev, native.AtError, code))
}

func (m *Machine) respond(s string) {
	m.logErr("at response", m.stack.AtResponseString(m.dev, s))
}

// processAtEvent handles commands from the hands-free unit. The stack
// already answered ATA, AT+CHUP, AT+VTS, AT+VGS, AT+VGM, AT+NREC, AT+BCS,
// AT+BIEV, AT+BIA and key presses; every other command gets its final
// result code here.
func (m *Machine) processAtEvent(ev native.Event) {
	switch ev.Type {
	case native.EventVrStateChanged:
		m.processVrEvent(ev.ValueInt)
	case native.EventAnswerCall:
		m.processAnswerCall()
	case native.EventHangupCall:
		m.processHangupCall()
	case native.EventVolumeChanged:
		m.processVolumeEvent(native.VolumeType(ev.ValueInt), ev.ValueInt2)
	case native.EventDialCall:
		m.processDialCall(ev.ValueString)
	case native.EventSendDtmf:
		m.logErr("dtmf", m.sys.SendDtmf(ev.ValueInt))
	case native.EventNoiseReduction:
		m.processNoiseReduction(ev.ValueInt == 1)
	case native.EventAtChld:
		m.processAtChld(ev.ValueInt)
	case native.EventSubscriberNumberRequest:
		m.processSubscriberNumber()
	case native.EventAtCind:
		m.processAtCind()
	case native.EventAtCops:
		m.processAtCops()
	case native.EventAtClcc:
		m.processAtClcc()
	case native.EventUnknownAt:
		m.processUnknownAt(ev.ValueString)
	case native.EventKeyPressed:
		m.processKeyPressed()
	case native.EventWbs:
		m.processWbs(ev.ValueInt)
	case native.EventBind:
		m.processAtBind(ev.ValueString)
	case native.EventBiev:
		m.broadcastIndicator(ev.ValueInt, ev.ValueInt2)
	case native.EventBia:
		m.processBia(ev.Indicators)
	default:
		m.logger.Warn("unhandled stack event", "event", ev)
	}
}

func (m *Machine) processVrEvent(state int) {
	switch state {
	case native.VrStarted:
		if m.host.IsVirtualCallStarted() || m.sys.IsInCall() {
			m.logger.Warn("voice recognition refused during a call")
			m.atError(0)
			return
		}
		if !m.sys.ActivateVoiceRecognition() {
			m.atError(0)
			return
		}
		m.vrWaiting = true
		m.removeMessages(msgStartVrTimeout)
		m.sendDelayed(message{what: msgStartVrTimeout}, m.timing.StartVoiceRecog)
		m.sys.WakeLock().Acquire(m.timing.StartVoiceRecog)
	case native.VrStopped:
		if !m.vrStarted && !m.vrWaiting {
			m.atError(0)
			return
		}
		m.ok()
		m.endVoiceRecognition()
		m.sys.DeactivateVoiceRecognition()
		m.host.onVoiceRecognitionStopped(m.dev)
	default:
		m.logger.Warn("bad voice recognition state", "state", state)
	}
}

func (m *Machine) startVoiceRecognitionLocal() {
	if m.vrStarted {
		m.logger.Debug("voice recognition already started")
		return
	}
	m.vrStarted = true
	if m.vrWaiting {
		m.vrWaiting = false
		m.removeMessages(msgStartVrTimeout)
		m.ok()
		m.sys.WakeLock().Release()
	} else {
		m.logErr("start voice recognition", m.stack.StartVoiceRecognition(m.dev))
	}
	if m.State() == StateConnected {
		m.requestScoForVoiceRecognition()
	}
}

// requestScoForVoiceRecognition connects audio, first suspending media.
// When the stream has not stopped yet the connect waits for the
// notification.
func (m *Machine) requestScoForVoiceRecognition() {
	if m.a2dp.IsPlaying() {
		suspended := m.a2dp.Suspend(a2dpsync.ReasonVoiceRecognition, m.dev)
		m.a2dpHeld = true
		if !suspended {
			m.logger.Info("audio waits for media suspension")
			m.pendingScoForVR = true
			return
		}
	}
	m.connectAudio()
}

func (m *Machine) stopVoiceRecognitionLocal() {
	if !m.vrStarted && !m.vrWaiting {
		m.logger.Debug("voice recognition not started")
		return
	}
	m.logErr("stop voice recognition", m.stack.StopVoiceRecognition(m.dev))
	m.endVoiceRecognition()
}

func (m *Machine) endVoiceRecognition() {
	m.vrStarted = false
	if m.vrWaiting {
		m.vrWaiting = false
		m.removeMessages(msgStartVrTimeout)
		m.sys.WakeLock().Release()
	}
	m.pendingScoForVR = false
	if m.State().Audio() != AudioOff && !m.sys.IsInCall() {
		m.post(message{what: msgDisconnectAudio})
		return
	}
	m.maybeReleaseA2dp()
}

func (m *Machine) processAnswerCall() {
	if !m.host.SetActiveDevice(m.dev) {
		m.logger.Warn("cannot make device active to answer")
	}
	m.logErr("answer", m.sys.AnswerCall(m.dev))
}

func (m *Machine) processHangupCall() {
	if m.host.IsVirtualCallStarted() {
		m.host.StopScoUsingVirtualVoiceCall()
		return
	}
	m.logErr("hangup", m.sys.HangupCall(m.dev))
}

func (m *Machine) processVolumeEvent(typ native.VolumeType, volume int) {
	switch typ {
	case native.VolumeSpeaker:
		m.speakerVolume = volume
		if m.host.ActiveDevice() != m.dev {
			m.logger.Debug("speaker volume from inactive device ignored", "volume", volume)
			return
		}
		m.sys.Audio().SetStreamVolume(volume, m.State() == StateAudioOn)
	case native.VolumeMic:
		m.micVolume = volume
	}
}

func (m *Machine) processDialCall(number string) {
	var dial string
	switch {
	case number == "" || strings.HasPrefix(number, ">"):
		// Memory dialling is served from the last dialed number.
		if strings.HasPrefix(number, ">9999") {
			m.atError(0)
			return
		}
		last, ok := m.sys.Phonebook().LastDialedNumber()
		if !ok {
			m.logger.Warn("redial requested with no last dialed number")
			m.atError(0)
			return
		}
		dial = last
	default:
		dial = strings.TrimSuffix(number, ";")
	}
	if !m.host.dialOutgoingCall(m.dev, dial) {
		m.atError(0)
		return
	}
	m.dialingOut = true
}

func (m *Machine) processNoiseReduction(enable bool) {
	m.nrec = enable
	if m.State() == StateAudioOn {
		m.applyAudioParameters()
	}
}

func (m *Machine) processAtChld(chld int) {
	if m.sys.ProcessChld(chld) {
		m.ok()
		return
	}
	m.atError(0)
}

func (m *Machine) processSubscriberNumber() {
	number, ok := m.sys.SubscriberNumber()
	if !ok {
		m.atError(0)
		return
	}
	m.respond(fmt.Sprintf("+CNUM: ,\"%s\",%d,,4", number, numberType(number)))
	m.ok()
}

func (m *Machine) processAtCind() {
	cind := m.sys.PhoneState().Cind()
	cind.NumActive = m.call.NumActive
	cind.NumHeld = m.call.NumHeld
	cind.CallState = m.call.State
	if m.host.IsVirtualCallStarted() {
		cind.NumHeld = 0
	}
	if head, ok := m.delayedHead(); ok && head.State == native.CallAlerting {
		cind.CallState = native.CallDialing
	}
	m.logErr("cind", m.stack.CindResponse(m.dev, cind))
}

func (m *Machine) processAtCops() {
	m.logErr("cops", m.stack.CopsResponse(m.dev, m.sys.NetworkOperator()))
}

func (m *Machine) processAtClcc() {
	if m.host.IsVirtualCallStarted() {
		status := int(m.call.State)
		if m.call.NumActive > 0 {
			status = int(native.CallActive)
		}
		m.logErr("clcc", m.stack.ClccResponse(m.dev, native.Clcc{
			Index:  1,
			Status: status,
			Number: VoipCallNumber,
			Type:   toaUnknown,
		}))
		m.logErr("clcc", m.stack.ClccResponse(m.dev, native.Clcc{}))
		return
	}
	if !m.sys.ListCurrentCalls() {
		m.logErr("clcc", m.stack.ClccResponse(m.dev, native.Clcc{}))
		return
	}
	m.removeMessages(msgClccRspTimeout)
	m.sendDelayed(message{what: msgClccRspTimeout}, m.timing.ClccResponse)
}

func (m *Machine) processUnknownAt(at string) {
	cmd := atcmd.Normalize(at)
	typ := atcmd.CommandType(cmd)
	m.logger.Debug("unknown at command", "command", cmd, "type", typ)
	switch {
	case strings.HasPrefix(cmd, "+CSCS"):
		m.book.handleCscs(cmd[5:], typ)
	case strings.HasPrefix(cmd, "+CPBS"):
		m.book.handleCpbs(cmd[5:], typ)
	case strings.HasPrefix(cmd, "+CPBR"):
		m.book.handleCpbr(cmd[5:], typ)
	case strings.HasPrefix(cmd, "+CSQ"):
		m.atError(cmeOperationNotSupported)
	default:
		m.processVendorSpecificAt(cmd)
	}
}

func (m *Machine) processVendorSpecificAt(cmd string) {
	v, ok := atcmd.ParseVendor(cmd)
	if !ok {
		m.logger.Warn("unsupported at command", "command", cmd)
		m.atError(0)
		return
	}
	if v.Command == atcmd.VendorXapl {
		reply, ok := atcmd.XaplReply(v.Args)
		if !ok {
			m.atError(0)
			return
		}
		m.respond(reply)
	}
	m.bus.Publish(eventbus.Event{
		Type:        eventbus.VendorSpecificEvent,
		Device:      m.dev,
		Command:     v.Command,
		CommandType: int(atcmd.TypeSet),
		CompanyID:   v.CompanyID,
		Args:        v.Args,
	})
	m.ok()
}

func (m *Machine) processKeyPressed() {
	switch {
	case m.sys.IsRinging():
		m.processAnswerCall()
	case m.sys.IsInCall():
		if m.State().Audio() != AudioOff {
			m.logErr("hangup", m.sys.HangupCall(m.dev))
			return
		}
		if m.host.ActiveDevice() != m.dev && !m.host.SetActiveDevice(m.dev) {
			m.logger.Warn("cannot make device active for audio")
			return
		}
		m.post(message{what: msgConnectAudio})
	case m.State().Audio() != AudioOff:
		m.post(message{what: msgDisconnectAudio})
	default:
		last, ok := m.sys.Phonebook().LastDialedNumber()
		if !ok {
			m.logger.Debug("key press with nothing to redial")
			return
		}
		if !m.host.dialOutgoingCall(m.dev, last) {
			m.logger.Warn("redial from key press failed")
		}
	}
}

func (m *Machine) processWbs(codec int) {
	m.wbs = codec == native.CodecWBS
	if m.State() == StateAudioOn {
		m.applyAudioParameters()
	}
}

func (m *Machine) processAtBind(s string) {
	ids, bad := atcmd.IDs(s)
	if len(bad) > 0 {
		m.logger.Warn("malformed indicator ids", "ids", bad)
	}
	for _, id := range ids {
		switch id {
		case native.HfIndicatorEnhancedDriverSafety, native.HfIndicatorBatteryLevel:
			m.broadcastIndicator(id, -1)
		default:
			m.logger.Debug("unsupported hf indicator", "id", id)
		}
	}
}

func (m *Machine) broadcastIndicator(id, value int) {
	m.bus.Publish(eventbus.Event{
		Type:           eventbus.HfIndicatorValueChanged,
		Device:         m.dev,
		IndicatorID:    id,
		IndicatorValue: value,
	})
}

func (m *Machine) processBia(st native.AgIndicatorEnableState) {
	m.indicators = st
	m.sys.ListenForPhoneState(m.dev, st)
}
