package system

import (
	"sync"

	"bluetooth-hfp/internal/native"
)

// PhoneState is the shared system view of calls and network indicators.
// It is written by the gateway service and read by every device.
type PhoneState struct {
	mu      sync.Mutex
	call    native.PhoneCall
	status  native.DeviceStatus
	csCall  bool
	headset map[native.Address]native.AgIndicatorEnableState
}

// NewPhoneState returns an idle phone with full service.
func NewPhoneState() *PhoneState {
	return &PhoneState{
		call:    native.PhoneCall{State: native.CallIdle},
		status:  native.DeviceStatus{Service: 1, Signal: 5, BatteryCharge: 5},
		csCall:  true,
		headset: make(map[native.Address]native.AgIndicatorEnableState),
	}
}

func (p *PhoneState) Call() native.PhoneCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call
}

func (p *PhoneState) SetCall(c native.PhoneCall) {
	p.mu.Lock()
	p.call = c
	p.mu.Unlock()
}

func (p *PhoneState) SetNumActive(n int) {
	p.mu.Lock()
	p.call.NumActive = n
	p.mu.Unlock()
}

func (p *PhoneState) SetCallState(s native.CallState) {
	p.mu.Lock()
	p.call.State = s
	p.mu.Unlock()
}

// IsCsCall reports whether the current call runs on the cellular network.
// Anything else, such as VoIP or VoLTE over Wi-Fi, reports false.
func (p *PhoneState) IsCsCall() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.csCall
}

func (p *PhoneState) SetCsCall(cs bool) {
	p.mu.Lock()
	p.csCall = cs
	p.mu.Unlock()
}

func (p *PhoneState) Status() native.DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *PhoneState) SetStatus(s native.DeviceStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// SetBatteryCharge stores level in the 0..5 indicator range.
func (p *PhoneState) SetBatteryCharge(level int) {
	p.mu.Lock()
	p.status.BatteryCharge = level
	p.mu.Unlock()
}

// Cind builds the +CIND payload from the shared state.
func (p *PhoneState) Cind() native.Cind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return native.Cind{
		Service:       p.status.Service,
		NumActive:     p.call.NumActive,
		NumHeld:       p.call.NumHeld,
		CallState:     p.call.State,
		Signal:        p.status.Signal,
		Roam:          p.status.Roam,
		BatteryCharge: p.status.BatteryCharge,
	}
}

// InCall reports an active or held call, or outgoing call setup.
func (p *PhoneState) InCall() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call.NumActive > 0 || p.call.NumHeld > 0 ||
		p.call.State == native.CallDialing || p.call.State == native.CallAlerting
}

func (p *PhoneState) Ringing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call.State == native.CallIncoming
}

// Listen records the indicator selection for dev; a zero selection stops
// reporting to it.
func (p *PhoneState) Listen(dev native.Address, st native.AgIndicatorEnableState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st == (native.AgIndicatorEnableState{}) {
		delete(p.headset, dev)
		return
	}
	p.headset[dev] = st
}

// Listening returns the indicator selection of dev.
func (p *PhoneState) Listening(dev native.Address) (native.AgIndicatorEnableState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.headset[dev]
	return st, ok
}
