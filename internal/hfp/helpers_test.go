package hfp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bluetooth-hfp/internal/a2dpsync"
	"bluetooth-hfp/internal/eventbus"
	"bluetooth-hfp/internal/logger"
	"bluetooth-hfp/internal/native"
	"bluetooth-hfp/internal/store"
	"bluetooth-hfp/internal/system"
)

const (
	devA = native.Address("00:11:22:33:44:55")
	devB = native.Address("00:11:22:33:44:66")
	devC = native.Address("00:11:22:33:44:77")

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type stackCall struct {
	op  string
	dev native.Address
	arg any
}

// fakeStack records every request and lets tests inject events.
type fakeStack struct {
	mu     sync.Mutex
	calls  []stackCall
	errs   map[string]error
	events chan native.Event
	closed bool
}

func newFakeStack() *fakeStack {
	return &fakeStack{errs: make(map[string]error), events: make(chan native.Event, 64)}
}

func (f *fakeStack) record(op string, dev native.Address, arg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stackCall{op: op, dev: dev, arg: arg})
	return f.errs[op]
}

func (f *fakeStack) failOn(op string, err error) {
	f.mu.Lock()
	f.errs[op] = err
	f.mu.Unlock()
}

func (f *fakeStack) callsOf(op string) []stackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stackCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeStack) count(op string) int { return len(f.callsOf(op)) }

// strings returns the AtResponseString payloads sent to dev.
func (f *fakeStack) strings(dev native.Address) []string {
	var out []string
	for _, c := range f.callsOf("at_string") {
		if c.dev == dev {
			out = append(out, c.arg.(string))
		}
	}
	return out
}

type atCode struct {
	code native.AtResponse
	err  int
}

func (f *fakeStack) codes(dev native.Address) []atCode {
	var out []atCode
	for _, c := range f.callsOf("at_code") {
		if c.dev == dev {
			out = append(out, c.arg.(atCode))
		}
	}
	return out
}

func (f *fakeStack) phoneStates(dev native.Address) []native.PhoneCall {
	var out []native.PhoneCall
	for _, c := range f.callsOf("phone_state") {
		if c.dev == dev {
			out = append(out, c.arg.(native.PhoneCall))
		}
	}
	return out
}

func (f *fakeStack) Init(maxClients int, inband bool) error {
	return f.record("init", "", maxClients)
}

func (f *fakeStack) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeStack) Events() <-chan native.Event { return f.events }

func (f *fakeStack) Connect(dev native.Address) error { return f.record("connect", dev, nil) }
func (f *fakeStack) DisconnectHfp(dev native.Address) error {
	return f.record("disconnect", dev, nil)
}
func (f *fakeStack) ConnectAudio(dev native.Address) error {
	return f.record("connect_audio", dev, nil)
}
func (f *fakeStack) DisconnectAudio(dev native.Address) error {
	return f.record("disconnect_audio", dev, nil)
}
func (f *fakeStack) SetActiveDevice(dev native.Address) error {
	return f.record("set_active", dev, nil)
}
func (f *fakeStack) StartVoiceRecognition(dev native.Address) error {
	return f.record("start_vr", dev, nil)
}
func (f *fakeStack) StopVoiceRecognition(dev native.Address) error {
	return f.record("stop_vr", dev, nil)
}
func (f *fakeStack) SetVolume(dev native.Address, typ native.VolumeType, volume int) error {
	return f.record("volume", dev, volume)
}
func (f *fakeStack) AtResponseCode(dev native.Address, code native.AtResponse, errorCode int) error {
	return f.record("at_code", dev, atCode{code: code, err: errorCode})
}
func (f *fakeStack) AtResponseString(dev native.Address, s string) error {
	return f.record("at_string", dev, s)
}
func (f *fakeStack) CindResponse(dev native.Address, cind native.Cind) error {
	return f.record("cind", dev, cind)
}
func (f *fakeStack) CopsResponse(dev native.Address, operator string) error {
	return f.record("cops", dev, operator)
}
func (f *fakeStack) ClccResponse(dev native.Address, clcc native.Clcc) error {
	return f.record("clcc", dev, clcc)
}
func (f *fakeStack) NotifyDeviceStatus(dev native.Address, status native.DeviceStatus) error {
	return f.record("device_status", dev, status)
}
func (f *fakeStack) PhoneStateChange(dev native.Address, call native.PhoneCall) error {
	return f.record("phone_state", dev, call)
}
func (f *fakeStack) SendBsir(dev native.Address, enable bool) error {
	return f.record("bsir", dev, enable)
}
func (f *fakeStack) SetScoAllowed(allowed bool) error {
	return f.record("sco_allowed", "", allowed)
}

type fakeAdapter struct {
	mu    sync.Mutex
	uuids map[native.Address][]string
	bonds map[native.Address]BondState
	peers map[native.Address]native.Address
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		uuids: make(map[native.Address][]string),
		bonds: make(map[native.Address]BondState),
		peers: make(map[native.Address]native.Address),
	}
}

func (a *fakeAdapter) RemoteUUIDs(dev native.Address) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.uuids[dev]; ok {
		return u
	}
	return []string{HandsfreeUUID}
}

func (a *fakeAdapter) BondState(dev native.Address) BondState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bonds[dev]; ok {
		return b
	}
	return BondBonded
}

func (a *fakeAdapter) PeerOf(dev native.Address) (native.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[dev]
	return p, ok
}

func (a *fakeAdapter) Name(dev native.Address) string { return "Headset " + string(dev[len(dev)-2:]) }

func (a *fakeAdapter) pair(x, y native.Address) {
	a.mu.Lock()
	a.peers[x] = y
	a.peers[y] = x
	a.mu.Unlock()
}

type memStore struct {
	mu sync.Mutex
	m  map[native.Address]int
}

func (s *memStore) Priority(_ context.Context, dev native.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[dev]
	if !ok {
		return 0, fmt.Errorf("priority %s: %w", dev, store.ErrNotFound)
	}
	return p, nil
}

func (s *memStore) SetPriority(_ context.Context, dev native.Address, p int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[dev] = p
	return nil
}

// fakeSync stands in for the media stream.
type fakeSync struct {
	mu       sync.Mutex
	playing  bool
	suspends []a2dpsync.Reason
	releases int
	listener func(a2dpsync.Notification)
}

func (f *fakeSync) SetListener(fn func(a2dpsync.Notification)) {
	f.mu.Lock()
	f.listener = fn
	f.mu.Unlock()
}

func (f *fakeSync) Suspend(reason a2dpsync.Reason, _ native.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends = append(f.suspends, reason)
	return !f.playing
}

func (f *fakeSync) Release(native.Address) {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

func (f *fakeSync) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeSync) setPlaying(p bool) {
	f.mu.Lock()
	f.playing = p
	f.mu.Unlock()
}

// stop ends playback and notifies like the media service would.
func (f *fakeSync) stop(n a2dpsync.Notification) {
	f.mu.Lock()
	f.playing = false
	fn := f.listener
	f.mu.Unlock()
	fn(n)
}

func (f *fakeSync) counts() (suspends, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.suspends), f.releases
}

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) handle(_ context.Context, e eventbus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) of(typ eventbus.EventType, dev native.Address) []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventbus.Event
	for _, e := range l.events {
		if e.Type == typ && e.Device == dev {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) has(typ eventbus.EventType, dev native.Address, prev, state int) bool {
	for _, e := range l.of(typ, dev) {
		if e.PrevState == prev && e.State == state {
			return true
		}
	}
	return false
}

func (l *eventLog) count(typ eventbus.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	svc     *Service
	stack   *fakeStack
	sys     *system.Local
	adapter *fakeAdapter
	store   *memStore
	media   *fakeSync
	bus     *eventbus.Bus
	log     *eventLog
}

func testTiming() Timing {
	return Timing{
		Connect:            300 * time.Millisecond,
		RetryBackoff:       20 * time.Millisecond,
		MaxConnectAttempts: 2,
		DialOut:            150 * time.Millisecond,
		StartVoiceRecog:    150 * time.Millisecond,
		ClccResponse:       100 * time.Millisecond,
		VoipAlerting:       30 * time.Millisecond,
		VoipActive:         40 * time.Millisecond,
		CsAlerting:         40 * time.Millisecond,
		CsActive:           10 * time.Millisecond,
		QueryPhoneState:    10 * time.Millisecond,
		IncomingCallInd:    30 * time.Millisecond,
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := Config{MaxConnections: 1, InbandRinging: true, Workers: 2, Timing: testTiming()}
	for _, fn := range mutate {
		fn(&cfg)
	}
	log := logger.Discard()
	h := &harness{
		t:       t,
		stack:   newFakeStack(),
		sys:     system.NewLocal(log),
		adapter: newFakeAdapter(),
		store:   &memStore{m: make(map[native.Address]int)},
		media:   &fakeSync{},
		bus:     eventbus.New(log),
		log:     &eventLog{},
	}
	h.bus.SubscribeAll(h.log.handle)
	h.svc = NewService(Deps{
		Native:  h.stack,
		System:  h.sys,
		A2dp:    h.media,
		Adapter: h.adapter,
		Store:   h.store,
		Bus:     h.bus,
		Logger:  log,
	}, cfg)
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		h.svc.Stop()
		h.bus.Close()
	})
	return h
}

func (h *harness) event(ev native.Event) {
	h.svc.HandleStackEvent(ev)
}

func (h *harness) connEvent(dev native.Address, st native.ConnectionState) {
	h.event(native.Event{Type: native.EventConnectionStateChanged, Device: dev, ValueInt: int(st)})
}

func (h *harness) audioEvent(dev native.Address, st native.AudioState) {
	h.event(native.Event{Type: native.EventAudioStateChanged, Device: dev, ValueInt: int(st)})
}

func (h *harness) at(dev native.Address, typ native.EventType, v int, s string) {
	h.event(native.Event{Type: typ, Device: dev, ValueInt: v, ValueString: s})
}

func (h *harness) waitState(dev native.Address, want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		m := h.svc.machine(dev)
		return m != nil && m.State() == want
	}, waitFor, tick, "device %s never reached %s", dev, want)
}

// connect drives dev through an outgoing connection to Connected.
func (h *harness) connect(dev native.Address) {
	h.t.Helper()
	require.True(h.t, h.svc.Connect(dev))
	h.waitState(dev, StateConnecting)
	h.connEvent(dev, native.ConnectionConnected)
	h.connEvent(dev, native.ConnectionSlcConnected)
	h.waitState(dev, StateConnected)
}

// activate connects dev and makes it the active device.
func (h *harness) activate(dev native.Address) {
	h.t.Helper()
	h.connect(dev)
	require.True(h.t, h.svc.SetActiveDevice(dev))
}

// audioOn brings the active device dev to AudioOn with a call in progress.
func (h *harness) audioOn(dev native.Address) {
	h.t.Helper()
	h.sys.PhoneState().SetCall(native.PhoneCall{NumActive: 1, State: native.CallIdle})
	require.True(h.t, h.svc.ConnectAudio(dev))
	h.waitState(dev, StateAudioConnecting)
	h.audioEvent(dev, native.AudioConnected)
	h.waitState(dev, StateAudioOn)
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, tick, msg)
}

var errStack = errors.New("stack failure")
