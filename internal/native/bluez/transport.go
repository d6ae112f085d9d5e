// Package bluez implements native.Interface on top of bluetoothd.
//
// The audio gateway profile is registered through org.bluez.ProfileManager1.
// Every RFCOMM link that bluetoothd hands over with Profile1.NewConnection
// runs an AT session that negotiates the service-level connection and
// translates the hands-free unit's commands into native events.
//
// bluetoothd does not expose SCO sockets over D-Bus. Audio links are only
// available when an AudioLink is installed; otherwise ConnectAudio returns
// native.ErrScoUnsupported.
package bluez

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"bluetooth-hfp/internal/config"
	"bluetooth-hfp/internal/native"
)

var _ native.Interface = (*Transport)(nil)

// AudioLink opens and closes synchronous audio links.
type AudioLink interface {
	Connect(dev native.Address) error
	Disconnect(dev native.Address) error
}

// controller issues profile requests to bluetoothd.
type controller interface {
	// RegisterProfile publishes the gateway profile. NewConnection hands
	// links to attach, RequestDisconnection to detach. The returned func
	// unregisters.
	RegisterProfile(features uint32, attach func(native.Address, io.ReadWriteCloser) error,
		detach func(native.Address)) (func(), error)
	ConnectProfile(dev native.Address) error
	DisconnectProfile(dev native.Address) error
}

// outbox is the event channel of one Init/Cleanup cycle.
type outbox struct {
	events chan native.Event
	done   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{events: make(chan native.Event, 64), done: make(chan struct{})}
}

func (o *outbox) emit(ev native.Event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

// Transport is the BlueZ audio gateway transport.
type Transport struct {
	cfg     config.BlueZConfig
	ctl     controller
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger

	mu         sync.Mutex
	out        *outbox
	started    bool
	sessions   map[native.Address]*session
	maxClients int
	inband     bool
	scoAllowed bool
	audio      AudioLink
	cleanup    []func()

	wg sync.WaitGroup
}

func newTransport(cfg config.BlueZConfig, ctl controller, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "bluez")
	maxFailures := cfg.BreakerFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "bluez:" + cfg.Adapter,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Transport{
		cfg:        cfg,
		ctl:        ctl,
		breaker:    breaker,
		logger:     logger,
		out:        newOutbox(),
		sessions:   make(map[native.Address]*session),
		scoAllowed: true,
	}
}

// SetAudioLink installs the provider of SCO links.
func (t *Transport) SetAudioLink(a AudioLink) {
	t.mu.Lock()
	t.audio = a
	t.mu.Unlock()
}

// call runs a bluetoothd request through the circuit breaker.
func (t *Transport) call(op string, dev native.Address, fn func() error) error {
	_, err := t.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("bluez: %s %s: bluetoothd unavailable: %w", op, dev, err)
		}
		return fmt.Errorf("bluez: %s %s: %w", op, dev, err)
	}
	return nil
}

func (t *Transport) features() uint32 {
	f := t.cfg.AgFeatures
	if t.inband {
		f |= agFeatureInbandRing
	} else {
		f &^= agFeatureInbandRing
	}
	return f
}

func (t *Transport) Init(maxClients int, inbandRinging bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("bluez: already initialised")
	}
	t.maxClients = maxClients
	t.inband = inbandRinging
	select {
	case <-t.out.done:
		t.out = newOutbox()
	default:
	}
	unregister, err := t.ctl.RegisterProfile(t.features(), t.attach, t.detach)
	if err != nil {
		return fmt.Errorf("bluez: register profile: %w", err)
	}
	t.cleanup = append(t.cleanup, unregister)
	t.started = true
	t.logger.Info("audio gateway registered", "max_clients", maxClients, "features", "0x"+strconv.FormatUint(uint64(t.features()), 16))
	return nil
}

// Cleanup is safe for redundant calls.
func (t *Transport) Cleanup() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cleanup := t.cleanup
	t.cleanup = nil
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	out := t.out
	t.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	for _, s := range sessions {
		_ = s.close()
	}
	close(out.done)
	t.wg.Wait()
	close(out.events)
	t.logger.Info("audio gateway released")
}

func (t *Transport) Events() <-chan native.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.events
}

// attach starts the AT session of a newly handed over link.
func (t *Transport) attach(dev native.Address, conn io.ReadWriteCloser) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return errors.New("bluez: not initialised")
	}
	if _, ok := t.sessions[dev]; ok {
		return fmt.Errorf("bluez: %s already connected", dev)
	}
	if len(t.sessions) >= t.maxClients {
		return fmt.Errorf("bluez: client limit %d reached", t.maxClients)
	}
	out := t.out
	s := newSession(dev, conn, t.features(), rate.Limit(t.cfg.AtRate), t.cfg.AtBurst, out.emit, t.logger)
	t.sessions[dev] = s
	t.spawnLocked(func(out *outbox) {
		out.emit(native.Event{Type: native.EventConnectionStateChanged, Device: dev, ValueInt: int(native.ConnectionConnected)})
		if err := s.serve(); err != nil {
			s.logger.Debug("link closed", "err", err)
		}
		t.mu.Lock()
		if t.sessions[dev] == s {
			delete(t.sessions, dev)
		}
		t.mu.Unlock()
		_ = s.close()
		out.emit(native.Event{Type: native.EventConnectionStateChanged, Device: dev, ValueInt: int(native.ConnectionDisconnected)})
	})
	t.logger.Info("link attached", "device", dev)
	return nil
}

func (t *Transport) detach(dev native.Address) {
	t.mu.Lock()
	s := t.sessions[dev]
	t.mu.Unlock()
	if s != nil {
		_ = s.close()
	}
}

// spawnLocked runs fn on a tracked goroutine bound to the current outbox.
// It reports false once Cleanup has begun.
func (t *Transport) spawnLocked(fn func(out *outbox)) bool {
	if !t.started {
		return false
	}
	out := t.out
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(out)
	}()
	return true
}

func (t *Transport) session(dev native.Address) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.sessions[dev]; s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("bluez: %s: %w", dev, native.ErrNotConnected)
}

// slcSession is session for requests that need a service-level connection.
func (t *Transport) slcSession(dev native.Address) (*session, error) {
	s, err := t.session(dev)
	if err != nil {
		return nil, err
	}
	if !s.isSlc() {
		return nil, fmt.Errorf("bluez: %s: no service level connection: %w", dev, native.ErrNotConnected)
	}
	return s, nil
}

// Connect asks bluetoothd to open the profile. The link itself arrives
// through NewConnection; a failure is reported as a disconnection.
func (t *Transport) Connect(dev native.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[dev]; ok {
		return nil
	}
	ok := t.spawnLocked(func(out *outbox) {
		if err := t.call("connect", dev, func() error { return t.ctl.ConnectProfile(dev) }); err != nil {
			t.logger.Error("connect profile", "device", dev, "err", err)
			out.emit(native.Event{Type: native.EventConnectionStateChanged, Device: dev, ValueInt: int(native.ConnectionDisconnected)})
		}
	})
	if !ok {
		return errors.New("bluez: not initialised")
	}
	return nil
}

func (t *Transport) DisconnectHfp(dev native.Address) error {
	t.mu.Lock()
	s := t.sessions[dev]
	t.mu.Unlock()
	if s != nil {
		return s.close()
	}
	// No link yet: cancel a pending outgoing connect.
	if err := t.call("disconnect", dev, func() error { return t.ctl.DisconnectProfile(dev) }); err != nil {
		return err
	}
	t.mu.Lock()
	t.spawnLocked(func(out *outbox) {
		out.emit(native.Event{Type: native.EventConnectionStateChanged, Device: dev, ValueInt: int(native.ConnectionDisconnected)})
	})
	t.mu.Unlock()
	return nil
}

func (t *Transport) ConnectAudio(dev native.Address) error {
	if _, err := t.slcSession(dev); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	audio := t.audio
	if audio == nil {
		return fmt.Errorf("bluez: connect audio %s: %w", dev, native.ErrScoUnsupported)
	}
	if !t.scoAllowed {
		return fmt.Errorf("bluez: connect audio %s: sco not allowed", dev)
	}
	t.spawnLocked(func(out *outbox) {
		out.emit(native.Event{Type: native.EventAudioStateChanged, Device: dev, ValueInt: int(native.AudioConnecting)})
		state := native.AudioConnected
		if err := audio.Connect(dev); err != nil {
			t.logger.Error("connect audio", "device", dev, "err", err)
			state = native.AudioDisconnected
		}
		out.emit(native.Event{Type: native.EventAudioStateChanged, Device: dev, ValueInt: int(state)})
	})
	return nil
}

func (t *Transport) DisconnectAudio(dev native.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	audio := t.audio
	if audio == nil {
		return fmt.Errorf("bluez: disconnect audio %s: %w", dev, native.ErrScoUnsupported)
	}
	t.spawnLocked(func(out *outbox) {
		if err := audio.Disconnect(dev); err != nil {
			t.logger.Error("disconnect audio", "device", dev, "err", err)
		}
		out.emit(native.Event{Type: native.EventAudioStateChanged, Device: dev, ValueInt: int(native.AudioDisconnected)})
	})
	return nil
}

func (t *Transport) SetActiveDevice(dev native.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !dev.IsZero() {
		if _, ok := t.sessions[dev]; !ok {
			return fmt.Errorf("bluez: set active %s: %w", dev, native.ErrNotConnected)
		}
	}
	t.logger.Debug("active device", "device", dev)
	return nil
}

func (t *Transport) StartVoiceRecognition(dev native.Address) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	s.writeLine("+BVRA: 1")
	return nil
}

func (t *Transport) StopVoiceRecognition(dev native.Address) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	s.writeLine("+BVRA: 0")
	return nil
}

func (t *Transport) SetVolume(dev native.Address, typ native.VolumeType, volume int) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	if typ == native.VolumeMic {
		s.writeLine("+VGM: " + strconv.Itoa(volume))
	} else {
		s.writeLine("+VGS: " + strconv.Itoa(volume))
	}
	return nil
}

func (t *Transport) AtResponseCode(dev native.Address, code native.AtResponse, errorCode int) error {
	s, err := t.session(dev)
	if err != nil {
		return err
	}
	s.atResponse(code, errorCode)
	return nil
}

func (t *Transport) AtResponseString(dev native.Address, str string) error {
	s, err := t.session(dev)
	if err != nil {
		return err
	}
	s.writeLine(str)
	return nil
}

func (t *Transport) CindResponse(dev native.Address, cind native.Cind) error {
	s, err := t.session(dev)
	if err != nil {
		return err
	}
	s.cindResponse(cind)
	return nil
}

func (t *Transport) CopsResponse(dev native.Address, operator string) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	s.copsResponse(operator)
	return nil
}

func (t *Transport) ClccResponse(dev native.Address, clcc native.Clcc) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	s.clccResponse(clcc)
	return nil
}

func (t *Transport) NotifyDeviceStatus(dev native.Address, status native.DeviceStatus) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	s.deviceStatus(status)
	return nil
}

func (t *Transport) PhoneStateChange(dev native.Address, call native.PhoneCall) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	s.phoneState(call)
	return nil
}

func (t *Transport) SendBsir(dev native.Address, enable bool) error {
	s, err := t.slcSession(dev)
	if err != nil {
		return err
	}
	v := "0"
	if enable {
		v = "1"
	}
	s.writeLine("+BSIR: " + v)
	return nil
}

func (t *Transport) SetScoAllowed(allowed bool) error {
	t.mu.Lock()
	t.scoAllowed = allowed
	t.mu.Unlock()
	return nil
}

// ParsePeers reads the configured earbud pairs into a symmetric lookup.
func ParsePeers(pairs [][]string) (map[native.Address]native.Address, error) {
	out := make(map[native.Address]native.Address, len(pairs)*2)
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("bluez: earbud pair %d: want 2 addresses, got %d", i, len(p))
		}
		a, err := native.ParseAddress(p[0])
		if err != nil {
			return nil, fmt.Errorf("bluez: earbud pair %d: %w", i, err)
		}
		b, err := native.ParseAddress(p[1])
		if err != nil {
			return nil, fmt.Errorf("bluez: earbud pair %d: %w", i, err)
		}
		if a == b {
			return nil, fmt.Errorf("bluez: earbud pair %d: same address twice", i)
		}
		out[a] = b
		out[b] = a
	}
	return out, nil
}

// addressFromPathString extracts the device address from a BlueZ object
// path such as "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func addressFromPathString(p string) (native.Address, error) {
	i := strings.LastIndex(p, "/dev_")
	if i < 0 {
		return "", fmt.Errorf("bluez: no device in path %q", p)
	}
	return native.ParseAddress(p[i+len("/dev_"):])
}
