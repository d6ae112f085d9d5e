// Package dbusapi exports the audio gateway's public command surface on
// D-Bus and re-emits its broadcasts as signals.
//
// Methods return a boolean success flag or a best-effort current value.
// Malformed arguments are rejected with a D-Bus error before reaching the
// service.
package dbusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"bluetooth-hfp/internal/config"
	"bluetooth-hfp/internal/eventbus"
	"bluetooth-hfp/internal/hfp"
	"bluetooth-hfp/internal/native"
)

// Interface is the exported interface name.
const Interface = "org.bluetoothhfp.Headset1"

// Error names.
const (
	ErrInvalidArguments = "org.bluetoothhfp.Error.InvalidArguments"
	ErrNotReady         = "org.bluetoothhfp.Error.NotReady"
	ErrDoesNotExist     = "org.bluetoothhfp.Error.DoesNotExist"
	ErrFailed           = "org.bluetoothhfp.Error.Failed"
)

const storeTimeout = 5 * time.Second

var _ Service = (*hfp.Service)(nil)

// Service is the part of hfp.Service the surface forwards to.
type Service interface {
	Connect(dev native.Address) bool
	Disconnect(dev native.Address) bool
	ConnectionState(dev native.Address) hfp.ConnectionState
	DeviceState(dev native.Address) (hfp.State, error)
	ConnectedDevices() []native.Address
	Priority(ctx context.Context, dev native.Address) hfp.Priority
	SetPriority(ctx context.Context, dev native.Address, p hfp.Priority) error
	StartVoiceRecognition(dev native.Address) bool
	StopVoiceRecognition(dev native.Address) bool
	ConnectAudioActive() bool
	DisconnectAllAudio() bool
	IsAudioOn() bool
	SetActiveDevice(dev native.Address) bool
	ActiveDevice() native.Address
	SetForceScoAudio(forced bool)
	SetAudioRouteAllowed(allowed bool)
	StartScoUsingVirtualVoiceCall() bool
	StopScoUsingVirtualVoiceCall() bool
	PhoneStateChanged(c native.PhoneCall)
	ClccResponse(c native.Clcc)
	SendVendorSpecificResultCode(dev native.Address, command, arg string) bool
}

// emitter sends signals; *dbus.Conn implements it.
type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Headset is the exported object.
type Headset struct {
	svc    Service
	logger *slog.Logger

	path dbus.ObjectPath
	sig  emitter
}

// New creates the object for svc.
func New(svc Service, logger *slog.Logger) *Headset {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Headset{svc: svc, logger: logger.With("component", "dbusapi")}
}

// Export publishes h on conn and relays broadcasts from bus as signals.
// The returned func withdraws both.
func Export(conn *dbus.Conn, cfg config.APIConfig, h *Headset, bus *eventbus.Bus) (func(), error) {
	path := dbus.ObjectPath(cfg.ObjectPath)
	if !path.IsValid() {
		return nil, fmt.Errorf("dbusapi: invalid object path %q", cfg.ObjectPath)
	}
	if err := conn.Export(h, path, Interface); err != nil {
		return nil, fmt.Errorf("dbusapi: export: %w", err)
	}
	node := &introspect.Node{
		Name: cfg.ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: Interface, Methods: introspect.Methods(h), Signals: signals},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("dbusapi: export introspection: %w", err)
	}
	reply, err := conn.RequestName(cfg.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("dbusapi: request name %s: %w", cfg.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("dbusapi: name %s already taken", cfg.BusName)
	}

	h.path = path
	h.sig = conn
	unsubscribe := bus.SubscribeAll(h.relay)
	h.logger.Info("command surface exported", "bus_name", cfg.BusName, "path", path)

	return func() {
		unsubscribe()
		_, _ = conn.ReleaseName(cfg.BusName)
		_ = conn.Export(nil, path, Interface)
		_ = conn.Export(nil, path, "org.freedesktop.DBus.Introspectable")
	}, nil
}

func dbusError(name string, err error) *dbus.Error {
	return &dbus.Error{Name: name, Body: []interface{}{err.Error()}}
}

func parseAddress(s string) (native.Address, *dbus.Error) {
	a, err := native.ParseAddress(s)
	if err != nil {
		return "", dbusError(ErrInvalidArguments, err)
	}
	return a, nil
}

func (h *Headset) Connect(addr string) (bool, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return false, derr
	}
	return h.svc.Connect(dev), nil
}

func (h *Headset) Disconnect(addr string) (bool, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return false, derr
	}
	return h.svc.Disconnect(dev), nil
}

func (h *Headset) GetConnectionState(addr string) (int32, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return int32(hfp.ConnDisconnected), derr
	}
	return int32(h.svc.ConnectionState(dev)), nil
}

// GetDeviceState returns the machine state name of a known device.
func (h *Headset) GetDeviceState(addr string) (string, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return "", derr
	}
	st, err := h.svc.DeviceState(dev)
	switch {
	case errors.Is(err, hfp.ErrNotStarted):
		return "", dbusError(ErrNotReady, err)
	case errors.Is(err, hfp.ErrUnknownDevice):
		return "", dbusError(ErrDoesNotExist, err)
	case err != nil:
		return "", dbusError(ErrFailed, err)
	}
	return st.String(), nil
}

func (h *Headset) GetConnectedDevices() ([]string, *dbus.Error) {
	devs := h.svc.ConnectedDevices()
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, string(d))
	}
	return out, nil
}

func (h *Headset) SetPriority(addr string, priority int32) (bool, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return false, derr
	}
	switch p := hfp.Priority(priority); p {
	case hfp.PriorityUndefined, hfp.PriorityOff, hfp.PriorityOn, hfp.PriorityAutoConnect:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.svc.SetPriority(ctx, dev, p); err != nil {
			h.logger.Error("set priority", "device", dev, "err", err)
			return false, nil
		}
		return true, nil
	}
	return false, dbusError(ErrInvalidArguments, fmt.Errorf("unknown priority %d", priority))
}

func (h *Headset) GetPriority(addr string) (int32, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return int32(hfp.PriorityUndefined), derr
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return int32(h.svc.Priority(ctx, dev)), nil
}

func (h *Headset) StartVoiceRecognition(addr string) (bool, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return false, derr
	}
	return h.svc.StartVoiceRecognition(dev), nil
}

func (h *Headset) StopVoiceRecognition(addr string) (bool, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return false, derr
	}
	return h.svc.StopVoiceRecognition(dev), nil
}

// ConnectAudio opens audio on the active device.
func (h *Headset) ConnectAudio() (bool, *dbus.Error) {
	return h.svc.ConnectAudioActive(), nil
}

// DisconnectAudio closes audio on every device.
func (h *Headset) DisconnectAudio() (bool, *dbus.Error) {
	return h.svc.DisconnectAllAudio(), nil
}

func (h *Headset) IsAudioOn() (bool, *dbus.Error) {
	return h.svc.IsAudioOn(), nil
}

// SetActiveDevice selects the call audio device. An empty address clears
// the selection.
func (h *Headset) SetActiveDevice(addr string) (bool, *dbus.Error) {
	if addr == "" {
		return h.svc.SetActiveDevice(""), nil
	}
	dev, derr := parseAddress(addr)
	if derr != nil {
		return false, derr
	}
	return h.svc.SetActiveDevice(dev), nil
}

func (h *Headset) GetActiveDevice() (string, *dbus.Error) {
	return string(h.svc.ActiveDevice()), nil
}

func (h *Headset) SetForceScoAudio(forced bool) *dbus.Error {
	h.svc.SetForceScoAudio(forced)
	return nil
}

func (h *Headset) SetAudioRouteAllowed(allowed bool) *dbus.Error {
	h.svc.SetAudioRouteAllowed(allowed)
	return nil
}

func (h *Headset) StartScoUsingVirtualVoiceCall() (bool, *dbus.Error) {
	return h.svc.StartScoUsingVirtualVoiceCall(), nil
}

func (h *Headset) StopScoUsingVirtualVoiceCall() (bool, *dbus.Error) {
	return h.svc.StopScoUsingVirtualVoiceCall(), nil
}

// PhoneStateChanged reports the telephony call indicators.
func (h *Headset) PhoneStateChanged(numActive, numHeld, callState int32, number string, numberType int32) *dbus.Error {
	if numActive < 0 || numHeld < 0 {
		return dbusError(ErrInvalidArguments, fmt.Errorf("negative call count %d/%d", numActive, numHeld))
	}
	st := native.CallState(callState)
	if st < native.CallActive || st > native.CallDisconnected {
		return dbusError(ErrInvalidArguments, fmt.Errorf("unknown call state %d", callState))
	}
	h.svc.PhoneStateChanged(native.PhoneCall{
		NumActive: int(numActive),
		NumHeld:   int(numHeld),
		State:     st,
		Number:    number,
		Type:      int(numberType),
	})
	return nil
}

// ClccResponse delivers one +CLCC entry. A zero index ends the list.
func (h *Headset) ClccResponse(index, direction, status, mode int32, multiparty bool, number string, numberType int32) *dbus.Error {
	if index < 0 {
		return dbusError(ErrInvalidArguments, fmt.Errorf("negative call index %d", index))
	}
	h.svc.ClccResponse(native.Clcc{
		Index:      int(index),
		Direction:  int(direction),
		Status:     int(status),
		Mode:       int(mode),
		Multiparty: multiparty,
		Number:     number,
		Type:       int(numberType),
	})
	return nil
}

func (h *Headset) SendVendorSpecificResultCode(addr, command, arg string) (bool, *dbus.Error) {
	dev, derr := parseAddress(addr)
	if derr != nil {
		return false, derr
	}
	if command == "" {
		return false, dbusError(ErrInvalidArguments, errors.New("empty command"))
	}
	return h.svc.SendVendorSpecificResultCode(dev, command, arg), nil
}
