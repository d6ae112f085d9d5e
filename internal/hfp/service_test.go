package hfp

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-hfp/internal/eventbus"
	"bluetooth-hfp/internal/native"
)

func maxConnections(n int) func(*Config) {
	return func(c *Config) { c.MaxConnections = n }
}

func TestServiceLifecycle(t *testing.T) {
	h := newHarness(t)
	require.Len(t, h.stack.callsOf("init"), 1)
	assert.Equal(t, 2, h.stack.callsOf("init")[0].arg, "one spare client slot")

	require.NoError(t, h.svc.Start(context.Background()))
	assert.Len(t, h.stack.callsOf("init"), 1, "second start is a no-op")

	h.connect(devA)
	h.svc.Stop()
	assert.False(t, h.svc.Connect(devB))
	assert.Equal(t, ConnDisconnected, h.svc.ConnectionState(devA))
	h.stack.mu.Lock()
	assert.True(t, h.stack.closed)
	h.stack.mu.Unlock()

	_, err := h.svc.DeviceState(devA)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestDeviceState(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.DeviceState(devB)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	h.connect(devA)
	st, err := h.svc.DeviceState(devA)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st)
}

func TestConnectScenario(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)

	assert.Equal(t, ConnConnected, h.svc.ConnectionState(devA))
	assert.Equal(t, []native.Address{devA}, h.svc.ConnectedDevices())
	h.eventually(func() bool {
		return h.log.has(eventbus.ConnectionStateChanged, devA, int(ConnDisconnected), int(ConnConnecting)) &&
			h.log.has(eventbus.ConnectionStateChanged, devA, int(ConnConnecting), int(ConnConnected))
	}, "connection broadcasts")

	h.eventually(func() bool {
		st, ok := h.sys.PhoneState().Listening(devA)
		return ok && st == native.AllIndicatorsEnabled
	}, "indicator reporting enabled")
	h.eventually(func() bool { return h.sys.Queries() == 1 }, "phone state queried")

	first, ok := h.svc.FirstConnectedAudioDevice()
	assert.True(t, ok)
	assert.Equal(t, devA, first)

	require.True(t, h.svc.SetActiveDevice(devA))
	h.audioOn(devA)
	assert.True(t, h.svc.IsAudioConnected(devA))
	h.eventually(func() bool { return h.sys.LocalAudio().IsBluetoothScoOn() }, "sco routing on")
	assert.Contains(t, h.sys.LocalAudio().Parameters(), "bt_headset_name=Headset 55;bt_headset_nrec=on;bt_wbs=off")

	h.audioEvent(devA, native.AudioDisconnected)
	h.waitState(devA, StateConnected)
	h.eventually(func() bool {
		return h.log.has(eventbus.AudioStateChanged, devA, int(AudioOn), int(AudioOff))
	}, "audio off broadcast")
	assert.False(t, h.sys.LocalAudio().IsBluetoothScoOn())
}

func TestConnectRejected(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.SetPriority(context.Background(), devB, PriorityOff))
	assert.False(t, h.svc.Connect(devB))
	assert.Equal(t, PriorityOff, h.svc.Priority(context.Background(), devB))
	assert.Equal(t, PriorityUndefined, h.svc.Priority(context.Background(), devC))

	h.adapter.mu.Lock()
	h.adapter.uuids[devC] = []string{"0000110b-0000-1000-8000-00805f9b34fb"}
	h.adapter.mu.Unlock()
	assert.False(t, h.svc.Connect(devC))

	h.connect(devA)
	assert.False(t, h.svc.Connect(devA), "already connected")
	assert.Equal(t, 1, h.stack.count("connect"))
}

func TestConnectReplacesSingleDevice(t *testing.T) {
	h := newHarness(t)
	h.activate(devA)

	require.True(t, h.svc.Connect(devB))
	h.eventually(func() bool {
		return len(h.stack.callsOf("disconnect")) == 1 && h.stack.count("connect") == 2
	}, "old device dropped, new one dialed")
	assert.Equal(t, devA, h.stack.callsOf("disconnect")[0].dev)
	assert.True(t, h.svc.ActiveDevice().IsZero())
	h.waitState(devA, StateDisconnecting)
	h.waitState(devB, StateConnecting)
}

func TestConnectMaxConnections(t *testing.T) {
	h := newHarness(t, maxConnections(2))
	h.connect(devA)
	h.connect(devB)
	assert.Equal(t, []native.Address{devA, devB}, h.svc.ConnectedDevices())

	assert.False(t, h.svc.Connect(devC))
	assert.Equal(t, 0, h.stack.count("disconnect"))
}

func TestConnectEarbudPolicy(t *testing.T) {
	h := newHarness(t, maxConnections(2))
	h.adapter.pair(devA, devB)
	h.connect(devA)

	assert.False(t, h.svc.Connect(devC), "only the peer earbud may join")
	h.connect(devB)
	assert.Len(t, h.svc.ConnectedDevices(), 2)
}

func TestIncomingConnection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.SetPriority(context.Background(), devB, PriorityOff))

	h.connEvent(devB, native.ConnectionConnecting)
	h.eventually(func() bool { return h.stack.count("disconnect") == 1 }, "rejected link dropped")
	assert.Equal(t, StateDisconnected, h.svc.machine(devB).State())

	h.connEvent(devA, native.ConnectionConnecting)
	h.waitState(devA, StateConnecting)
	h.connEvent(devA, native.ConnectionSlcConnected)
	h.waitState(devA, StateConnected)

	h.event(native.Event{Type: native.EventAtCops, Device: devC})
	assert.Nil(t, h.svc.machine(devC), "unknown device events are dropped")
}

func TestConnectRetry(t *testing.T) {
	h := newHarness(t)
	h.stack.failOn("connect", errStack)

	require.True(t, h.svc.Connect(devA))
	h.eventually(func() bool {
		return h.log.has(eventbus.ConnectionStateChanged, devA, int(ConnDisconnected), int(ConnDisconnected))
	}, "failure broadcast after the last attempt")
	assert.Equal(t, 2, h.stack.count("connect"))
	assert.Equal(t, StateDisconnected, h.svc.machine(devA).State())
}

func TestConnectRetryAfterLinkLoss(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.svc.Connect(devA))
	h.waitState(devA, StateConnecting)

	h.connEvent(devA, native.ConnectionDisconnected)
	h.eventually(func() bool { return h.stack.count("connect") == 2 }, "outgoing connect retried")
	h.waitState(devA, StateConnecting)
	h.connEvent(devA, native.ConnectionSlcConnected)
	h.waitState(devA, StateConnected)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.svc.Connect(devA))
	h.waitState(devA, StateConnecting)

	h.eventually(func() bool { return h.stack.count("disconnect") == 1 }, "timed out link dropped")
	h.waitState(devA, StateDisconnected)
	assert.Never(t, func() bool { return h.stack.count("connect") > 1 }, 100*time.Millisecond, tick)
}

func TestDisconnectDeferredWhileConnecting(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.svc.Connect(devA))
	h.waitState(devA, StateConnecting)
	require.True(t, h.svc.Disconnect(devA))

	h.connEvent(devA, native.ConnectionSlcConnected)
	h.waitState(devA, StateDisconnecting)
	assert.Equal(t, 1, h.stack.count("disconnect"))

	h.connEvent(devA, native.ConnectionDisconnected)
	h.waitState(devA, StateDisconnected)
	assert.False(t, h.svc.Disconnect(devA))
}

func TestDisconnectForcesAudioOff(t *testing.T) {
	h := newHarness(t)
	h.activate(devA)
	h.audioOn(devA)

	h.connEvent(devA, native.ConnectionDisconnected)
	h.waitState(devA, StateDisconnected)
	h.eventually(func() bool {
		return h.log.has(eventbus.ConnectionStateChanged, devA, int(ConnConnected), int(ConnDisconnected))
	}, "disconnect broadcast")

	audio := h.log.of(eventbus.AudioStateChanged, devA)
	require.NotEmpty(t, audio)
	last := audio[len(audio)-1]
	assert.Equal(t, int(AudioOn), last.PrevState)
	assert.Equal(t, int(AudioOff), last.State)

	var audioIdx, connIdx int
	h.log.mu.Lock()
	for i, e := range h.log.events {
		if e.Type == eventbus.AudioStateChanged && e.State == int(AudioOff) {
			audioIdx = i
		}
		if e.Type == eventbus.ConnectionStateChanged && e.State == int(ConnDisconnected) {
			connIdx = i
		}
	}
	h.log.mu.Unlock()
	assert.Less(t, audioIdx, connIdx, "audio off is announced before the disconnect")

	assert.True(t, h.svc.ActiveDevice().IsZero())
	h.eventually(func() bool { return !h.sys.LocalAudio().IsBluetoothScoOn() }, "sco routing off")
	_, listening := h.sys.PhoneState().Listening(devA)
	assert.False(t, listening)
}

func TestDisconnectRemovesUnbondedMachine(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)
	h.adapter.mu.Lock()
	h.adapter.bonds[devA] = BondNone
	h.adapter.mu.Unlock()

	h.connEvent(devA, native.ConnectionDisconnected)
	h.eventually(func() bool { return h.svc.machine(devA) == nil }, "machine removed")
}

func TestScoAcceptable(t *testing.T) {
	tests := []struct {
		name     string
		dev      native.Address
		force    bool
		noRoute  bool
		noInband bool
		vr       bool
		virtual  bool
		call     native.PhoneCall
		want     bool
	}{
		{name: "forced inactive device", dev: devB, force: true, want: true},
		{name: "inactive device", dev: devB, call: native.PhoneCall{NumActive: 1, State: native.CallIdle}},
		{name: "no device", dev: ""},
		{name: "route not allowed", dev: devA, noRoute: true, call: native.PhoneCall{NumActive: 1, State: native.CallIdle}},
		{name: "ringing without in-band", dev: devA, noInband: true, call: native.PhoneCall{State: native.CallIncoming}},
		{name: "ringing in-band", dev: devA, call: native.PhoneCall{State: native.CallIncoming}, want: true},
		{name: "voice recognition", dev: devA, vr: true, want: true},
		{name: "virtual call", dev: devA, virtual: true, want: true},
		{name: "idle", dev: devA},
		{name: "in call", dev: devA, call: native.PhoneCall{NumActive: 1, State: native.CallIdle}, want: true},
		{name: "dialing", dev: devA, call: native.PhoneCall{State: native.CallDialing}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			call := tt.call
			if call == (native.PhoneCall{}) {
				call.State = native.CallIdle
			}
			h.sys.PhoneState().SetCall(call)
			h.svc.mu.Lock()
			h.svc.active = devA
			h.svc.forceSco = tt.force
			h.svc.audioRouteAllowed = !tt.noRoute
			h.svc.inbandDisabled = tt.noInband
			h.svc.vrStarted = tt.vr
			h.svc.virtualCall = tt.virtual
			h.svc.mu.Unlock()

			assert.Equal(t, tt.want, h.svc.IsScoAcceptable(tt.dev))
		})
	}
}

func TestSetAudioRouteAllowed(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.svc.AudioRouteAllowed())
	h.svc.SetAudioRouteAllowed(false)
	assert.False(t, h.svc.AudioRouteAllowed())
	calls := h.stack.callsOf("sco_allowed")
	require.Len(t, calls, 1)
	assert.Equal(t, false, calls[0].arg)
}

func TestSetActiveDevice(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.svc.SetActiveDevice(devA), "unknown device")

	h.connect(devA)
	require.True(t, h.svc.SetActiveDevice(devA))
	require.True(t, h.svc.SetActiveDevice(devA))
	assert.Equal(t, devA, h.svc.ActiveDevice())

	require.True(t, h.svc.SetActiveDevice(""))
	require.True(t, h.svc.SetActiveDevice(""))
	assert.True(t, h.svc.ActiveDevice().IsZero())

	h.eventually(func() bool { return h.log.count(eventbus.ActiveDeviceChanged) == 2 }, "two broadcasts")
	assert.Never(t, func() bool { return h.log.count(eventbus.ActiveDeviceChanged) > 2 }, 50*time.Millisecond, tick)
	assert.Equal(t, []native.Address{devA, ""}, []native.Address{
		h.stack.callsOf("set_active")[0].dev,
		h.stack.callsOf("set_active")[1].dev,
	})
}

func TestSetActiveDeviceMovesCallAudio(t *testing.T) {
	h := newHarness(t, maxConnections(2))
	h.connect(devA)
	h.connect(devB)
	require.True(t, h.svc.SetActiveDevice(devA))
	h.audioOn(devA)

	require.True(t, h.svc.SetActiveDevice(devB))
	h.eventually(func() bool { return h.stack.count("disconnect_audio") == 1 }, "audio closed on old device")
	h.waitState(devA, StateAudioDisconnecting)
	h.audioEvent(devA, native.AudioDisconnected)
	h.waitState(devA, StateConnected)

	h.eventually(func() bool {
		calls := h.stack.callsOf("connect_audio")
		return len(calls) == 2 && calls[1].dev == devB
	}, "call audio follows the active device")
	h.waitState(devB, StateAudioConnecting)
}

func TestActiveDeviceFallsBackToPeer(t *testing.T) {
	h := newHarness(t, maxConnections(2))
	h.adapter.pair(devA, devB)
	h.connect(devA)
	h.connect(devB)
	require.True(t, h.svc.SetActiveDevice(devA))
	require.True(t, h.svc.SetActiveDevice(devB), "switching earbuds is ignored")
	assert.Equal(t, devA, h.svc.ActiveDevice())

	h.connEvent(devA, native.ConnectionDisconnected)
	h.eventually(func() bool { return h.svc.ActiveDevice() == devB }, "peer earbud becomes active")
}

func TestInbandRingingWithSeveralDevices(t *testing.T) {
	h := newHarness(t, maxConnections(2))
	h.connect(devA)
	assert.True(t, h.svc.IsInbandRingingEnabled())

	h.connect(devB)
	h.eventually(func() bool { return !h.svc.IsInbandRingingEnabled() }, "in-band disabled")
	h.eventually(func() bool {
		for _, c := range h.stack.callsOf("bsir") {
			if c.dev == devA && c.arg == false {
				return true
			}
		}
		return false
	}, "BSIR 0 sent")

	h.connEvent(devB, native.ConnectionDisconnected)
	h.eventually(func() bool { return h.svc.IsInbandRingingEnabled() }, "in-band restored")
	h.eventually(func() bool {
		for _, c := range h.stack.callsOf("bsir") {
			if c.dev == devA && c.arg == true {
				return true
			}
		}
		return false
	}, "BSIR 1 sent")
}

func TestConnectAudioRejected(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)
	assert.False(t, h.svc.ConnectAudio(devA), "not active")

	require.True(t, h.svc.SetActiveDevice(devA))
	assert.False(t, h.svc.ConnectAudio(devA), "no call")

	h.svc.SetForceScoAudio(true)
	assert.True(t, h.svc.ConnectAudioActive())
	h.waitState(devA, StateAudioConnecting)
	assert.True(t, h.svc.ConnectAudio(devA), "already connecting")
	assert.True(t, h.svc.IsAudioOn())
}

func TestAudioConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.activate(devA)
	h.svc.SetForceScoAudio(true)
	require.True(t, h.svc.ConnectAudio(devA))
	h.waitState(devA, StateAudioConnecting)
	h.eventually(func() bool {
		return h.log.has(eventbus.AudioStateChanged, devA, int(AudioConnecting), int(AudioOff))
	}, "audio connect abandoned")
	assert.Equal(t, StateConnected, h.svc.machine(devA).State())
}

func TestIncomingAudioRejected(t *testing.T) {
	h := newHarness(t)
	h.activate(devA)
	h.audioEvent(devA, native.AudioConnecting)
	h.eventually(func() bool { return h.stack.count("disconnect_audio") == 1 }, "incoming sco refused")
	assert.Equal(t, StateConnected, h.svc.machine(devA).State())
}

func TestDisconnectAllAudio(t *testing.T) {
	h := newHarness(t)
	h.activate(devA)
	h.audioOn(devA)

	assert.True(t, h.svc.DisconnectAllAudio())
	h.waitState(devA, StateAudioDisconnecting)
	h.audioEvent(devA, native.AudioDisconnected)
	h.waitState(devA, StateConnected)
	assert.False(t, h.svc.DisconnectAudio(devA))
}

func TestVirtualCall(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.svc.StartScoUsingVirtualVoiceCall(), "no active device")
	h.activate(devA)

	require.True(t, h.svc.StartScoUsingVirtualVoiceCall())
	assert.True(t, h.svc.IsVirtualCallStarted())
	assert.False(t, h.svc.StartScoUsingVirtualVoiceCall())

	h.eventually(func() bool { return h.stack.count("connect_audio") == 1 }, "audio opened once the call is active")
	h.waitState(devA, StateAudioConnecting)
	h.audioEvent(devA, native.AudioConnected)
	h.waitState(devA, StateAudioOn)

	require.True(t, h.svc.StopScoUsingVirtualVoiceCall())
	assert.False(t, h.svc.IsVirtualCallStarted())
	assert.False(t, h.svc.StopScoUsingVirtualVoiceCall())
	h.waitState(devA, StateAudioDisconnecting)

	assert.Equal(t, []native.PhoneCall{
		{State: native.CallDialing},
		{State: native.CallAlerting},
		{NumActive: 1, State: native.CallIdle},
		{State: native.CallIdle},
	}, h.stack.phoneStates(devA))
}

func TestVirtualCallRefusedDuringCall(t *testing.T) {
	h := newHarness(t)
	h.activate(devA)
	h.sys.PhoneState().SetCall(native.PhoneCall{State: native.CallIncoming})
	assert.False(t, h.svc.StartScoUsingVirtualVoiceCall())
}

func TestVirtualCallEndedByTelephony(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Timing.VoipAlerting = time.Hour
		c.Timing.VoipActive = time.Hour
	})
	h.activate(devA)
	require.True(t, h.svc.StartScoUsingVirtualVoiceCall())

	h.svc.PhoneStateChanged(native.PhoneCall{State: native.CallIdle})
	assert.True(t, h.svc.IsVirtualCallStarted(), "idle update keeps the virtual call")

	h.svc.PhoneStateChanged(native.PhoneCall{State: native.CallIncoming})
	assert.False(t, h.svc.IsVirtualCallStarted())
}

func TestVoiceRecognition(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)

	require.True(t, h.svc.StartVoiceRecognition(devA))
	assert.Equal(t, devA, h.svc.ActiveDevice())
	assert.False(t, h.svc.StartVoiceRecognition(devA), "already started")
	h.eventually(func() bool { return h.stack.count("start_vr") == 1 }, "vr started on the headset")
	h.waitState(devA, StateAudioConnecting)

	require.True(t, h.svc.StopVoiceRecognition(devA))
	h.eventually(func() bool { return h.stack.count("stop_vr") == 1 }, "vr stopped on the headset")
	assert.False(t, h.svc.StopVoiceRecognition(devA))
}

func TestVoiceRecognitionRefusedInCall(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)
	h.sys.PhoneState().SetCall(native.PhoneCall{NumActive: 1, State: native.CallIdle})
	assert.False(t, h.svc.StartVoiceRecognition(devA))
	assert.False(t, h.svc.StartVoiceRecognition(devB), "unknown device")
}

func TestVoiceRecognitionWaitsForMedia(t *testing.T) {
	h := newHarness(t)
	h.media.setPlaying(true)
	h.connect(devA)

	require.True(t, h.svc.StartVoiceRecognition(devA))
	h.eventually(func() bool { s, _ := h.media.counts(); return s == 1 }, "media suspension requested")
	assert.Never(t, func() bool { return h.stack.count("connect_audio") > 0 }, 50*time.Millisecond, tick)

	h.media.stop(0)
	h.eventually(func() bool { return h.stack.count("connect_audio") == 1 }, "audio opened after suspension")
}

func TestVoiceRecognitionEndsWithActiveDevice(t *testing.T) {
	h := newHarness(t, maxConnections(2))
	h.activate(devA)
	require.True(t, h.svc.StartVoiceRecognition(devA))
	h.eventually(func() bool { return h.stack.count("start_vr") == 1 }, "vr started on the headset")

	h.connEvent(devA, native.ConnectionDisconnected)
	h.waitState(devA, StateDisconnected)
	h.eventually(func() bool { return h.svc.ActiveDevice().IsZero() }, "active device cleared")

	h.activate(devB)
	assert.False(t, h.svc.IsScoAcceptable(devB), "phone idle and no voice recognition")
	assert.True(t, h.svc.StartVoiceRecognition(devB))
	h.eventually(func() bool { return len(h.stack.callsOf("start_vr")) == 2 }, "vr started on the new device")
	assert.Equal(t, devB, h.stack.callsOf("start_vr")[1].dev)
}

func TestVoiceRecognitionEndsWhenActiveEarbudDrops(t *testing.T) {
	h := newHarness(t, maxConnections(2))
	h.adapter.pair(devA, devB)
	h.activate(devA)
	h.connect(devB)
	require.True(t, h.svc.StartVoiceRecognition(devA))
	h.eventually(func() bool { return h.stack.count("start_vr") == 1 }, "vr started on the headset")

	h.connEvent(devA, native.ConnectionDisconnected)
	h.waitState(devA, StateDisconnected)
	h.eventually(func() bool { return h.svc.ActiveDevice() == devB }, "peer earbud took over")

	assert.False(t, h.svc.IsScoAcceptable(devB), "phone idle and no voice recognition")
	assert.Never(t, func() bool {
		for _, c := range h.stack.callsOf("connect_audio") {
			if c.dev == devB {
				return true
			}
		}
		return false
	}, 50*time.Millisecond, tick, "no audio opened on the peer")
	assert.True(t, h.svc.StartVoiceRecognition(devB))
}

func TestVoiceRecognitionNeedsConnectedDevice(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.svc.Connect(devA))
	h.waitState(devA, StateConnecting)

	assert.False(t, h.svc.StartVoiceRecognition(devA))
	assert.False(t, h.svc.StopVoiceRecognition(devA))

	h.connEvent(devA, native.ConnectionConnected)
	h.connEvent(devA, native.ConnectionSlcConnected)
	h.waitState(devA, StateConnected)
	require.True(t, h.svc.SetActiveDevice(devA))
	assert.Zero(t, h.stack.count("start_vr"))
	assert.False(t, h.svc.IsScoAcceptable(devA), "phone idle and no voice recognition")

	assert.True(t, h.svc.StartVoiceRecognition(devA))
	h.eventually(func() bool { return h.stack.count("start_vr") == 1 }, "vr started on the headset")
}

func TestPhoneStateQueryDelayedAfterSlc(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Timing.QueryPhoneState = 100 * time.Millisecond })
	h.connect(devA)
	assert.Zero(t, h.sys.Queries(), "query waits for the headset to settle")
	h.eventually(func() bool { return h.sys.Queries() == 1 }, "phone state queried")
}

func TestPhoneStateQueryCancelledByDisconnect(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Timing.QueryPhoneState = 100 * time.Millisecond })
	h.connect(devA)
	h.connEvent(devA, native.ConnectionDisconnected)
	h.waitState(devA, StateDisconnected)
	assert.Never(t, func() bool { return h.sys.Queries() > 0 }, 200*time.Millisecond, tick)
}

func TestAudioServerRestart(t *testing.T) {
	h := newHarness(t)
	audio := h.sys.LocalAudio()
	h.activate(devA)

	h.svc.OnAudioServerRestarted()
	assert.Never(t, func() bool { return audio.IsBluetoothScoOn() }, 50*time.Millisecond, tick, "no device carries audio")

	h.audioOn(devA)
	h.eventually(func() bool { return audio.IsBluetoothScoOn() }, "sco routing on")
	audio.SetBluetoothScoOn(false)
	n := len(audio.Parameters())

	h.svc.OnAudioServerRestarted()
	h.eventually(func() bool { return audio.IsBluetoothScoOn() }, "sco routing restored")
	p := audio.Parameters()
	require.Greater(t, len(p), n)
	assert.Equal(t, "bt_headset_name=Headset 55;bt_headset_nrec=on;bt_wbs=off", p[n])
	h.eventually(func() bool {
		return h.log.has(eventbus.AudioStateChanged, devA, int(AudioOff), int(AudioOn))
	}, "audio on announced again")
	assert.Equal(t, StateAudioOn, h.svc.machine(devA).State())
}

func TestVoipCallTypeHint(t *testing.T) {
	h := newHarness(t)
	audio := h.sys.LocalAudio()
	h.activate(devA)

	h.svc.UpdateCallType(false)
	assert.False(t, h.sys.PhoneState().IsCsCall())
	h.audioOn(devA)
	h.eventually(func() bool { return slices.Contains(audio.Parameters(), "bt_voip=on") }, "voip hint raised")

	h.audioEvent(devA, native.AudioDisconnected)
	h.waitState(devA, StateConnected)
	h.eventually(func() bool {
		p := audio.Parameters()
		return p[len(p)-1] == "bt_voip=off"
	}, "voip hint dropped")
	h.eventually(func() bool { return h.sys.PhoneState().IsCsCall() }, "call type resets with sco")
}

func TestCallTypeChangedDuringAudio(t *testing.T) {
	h := newHarness(t)
	audio := h.sys.LocalAudio()
	h.activate(devA)
	h.audioOn(devA)
	assert.NotContains(t, audio.Parameters(), "bt_voip=on", "cellular call")

	h.svc.UpdateCallType(false)
	h.eventually(func() bool { return slices.Contains(audio.Parameters(), "bt_voip=on") }, "voip hint raised")
	h.svc.UpdateCallType(false)
	assert.Never(t, func() bool {
		n := 0
		for _, p := range audio.Parameters() {
			if p == "bt_voip=on" {
				n++
			}
		}
		return n > 1
	}, 50*time.Millisecond, tick)
}

func TestDialOutSuccess(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)

	h.at(devA, native.EventDialCall, 0, "5551234;")
	h.eventually(func() bool { return len(h.sys.Dialed()) == 1 }, "number dialed")
	assert.Equal(t, "5551234", h.sys.Dialed()[0])
	assert.Equal(t, devA, h.svc.ActiveDevice())

	h.svc.PhoneStateChanged(native.PhoneCall{State: native.CallDialing})
	h.eventually(func() bool {
		return assert.ObjectsAreEqual([]atCode{{code: native.AtOK}}, h.stack.codes(devA))
	}, "dial acknowledged")
	assert.Never(t, func() bool { return len(h.stack.codes(devA)) > 1 }, 200*time.Millisecond, tick)
}

func TestDialOutActiveAfterDialing(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)
	h.sys.PhoneState().SetCall(native.PhoneCall{State: native.CallDialing})

	h.at(devA, native.EventDialCall, 0, "5551234")
	h.eventually(func() bool { return len(h.sys.Dialed()) == 1 }, "number dialed")

	h.svc.PhoneStateChanged(native.PhoneCall{NumActive: 1, State: native.CallIdle})
	h.eventually(func() bool {
		return assert.ObjectsAreEqual([]atCode{{code: native.AtOK}}, h.stack.codes(devA))
	}, "dial acknowledged on active")
}

func TestDialOutTimeout(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)

	h.at(devA, native.EventDialCall, 0, "5551234")
	h.eventually(func() bool {
		return assert.ObjectsAreEqual([]atCode{{code: native.AtError}}, h.stack.codes(devA))
	}, "dial timed out")

	h.svc.PhoneStateChanged(native.PhoneCall{State: native.CallDialing})
	assert.Never(t, func() bool { return len(h.stack.codes(devA)) > 1 }, 100*time.Millisecond, tick)

	h.at(devA, native.EventDialCall, 0, "5550000")
	h.eventually(func() bool { return len(h.sys.Dialed()) == 2 }, "a new dial is accepted")
}

func TestDialOutFailures(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)

	h.at(devA, native.EventDialCall, 0, "")
	h.at(devA, native.EventDialCall, 0, ">9999")
	h.sys.SetDialError(errStack)
	h.at(devA, native.EventDialCall, 0, "5551234")
	h.eventually(func() bool { return len(h.stack.codes(devA)) == 3 }, "three answers")
	for _, c := range h.stack.codes(devA) {
		assert.Equal(t, native.AtError, c.code)
	}
	assert.Empty(t, h.sys.Dialed())
}

func TestRedial(t *testing.T) {
	h := newHarness(t)
	h.sys.LocalPhonebook().SetLastDialed("5559876")
	h.connect(devA)

	h.at(devA, native.EventDialCall, 0, "")
	h.eventually(func() bool { return len(h.sys.Dialed()) == 1 }, "last number redialed")
	assert.Equal(t, "5559876", h.sys.Dialed()[0])
}

func TestSendVendorSpecificResultCode(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.svc.SendVendorSpecificResultCode(devA, VendorResultCodeAndroid, "1"))
	h.connect(devA)
	assert.False(t, h.svc.SendVendorSpecificResultCode(devA, "+XEVENT", "1"))
	require.True(t, h.svc.SendVendorSpecificResultCode(devA, VendorResultCodeAndroid, "1,2"))
	h.eventually(func() bool {
		return assert.ObjectsAreEqual([]string{"+ANDROID: 1,2"}, h.stack.strings(devA))
	}, "result code sent")
}

func TestDeviceStateUpdates(t *testing.T) {
	h := newHarness(t)
	h.connect(devA)

	h.svc.OnBatteryChanged(50, 100)
	h.eventually(func() bool { return h.stack.count("device_status") == 1 }, "battery forwarded")
	st := h.stack.callsOf("device_status")[0].arg.(native.DeviceStatus)
	assert.Equal(t, 2, st.BatteryCharge)

	h.svc.OnDeviceStateChanged(native.DeviceStatus{Service: 1, Signal: 3, BatteryCharge: 4})
	h.eventually(func() bool { return h.stack.count("device_status") == 2 }, "status forwarded")

	h.svc.OnScoVolumeChanged(9)
	h.svc.OnScoVolumeChanged(9)
	h.eventually(func() bool { return h.stack.count("volume") == 1 }, "volume forwarded once")
}

func TestBondRemoval(t *testing.T) {
	h := newHarness(t)
	h.connEvent(devA, native.ConnectionConnecting)
	h.waitState(devA, StateConnecting)
	h.svc.OnBondStateChanged(devA, BondNone)
	assert.NotNil(t, h.svc.machine(devA), "connected machine kept")

	h.connEvent(devA, native.ConnectionDisconnected)
	h.waitState(devA, StateDisconnected)
	h.svc.OnBondStateChanged(devA, BondNone)
	assert.Nil(t, h.svc.machine(devA))
}
