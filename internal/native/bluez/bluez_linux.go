//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-hfp/internal/config"
	"bluetooth-hfp/internal/hfp"
	"bluetooth-hfp/internal/native"
)

// AudioGatewayUUID is the service class registered with bluetoothd.
const AudioGatewayUUID = "0000111f-0000-1000-8000-00805f9b34fb"

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var _ hfp.Adapter = (*Devices)(nil)

// New connects to the system bus and returns the transport together with
// the device directory of the configured adapter.
func New(cfg config.BlueZConfig, earbudPairs [][]string, logger *slog.Logger) (*Transport, *Devices, error) {
	peers, err := ParsePeers(earbudPairs)
	if err != nil {
		return nil, nil, err
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	b := &bluezBus{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		path:    dbus.ObjectPath(cfg.ProfilePath),
		channel: cfg.Channel,
	}
	t := newTransport(cfg, b, logger)
	return t, &Devices{bus: b, peers: peers, logger: t.logger}, nil
}

// bluezBus is the controller backed by bluetoothd.
type bluezBus struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	path    dbus.ObjectPath
	channel uint16
}

func (b *bluezBus) devicePath(dev native.Address) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapter) + "/" + dev.PathElement())
}

// profile implements org.bluez.Profile1 and forwards links to the transport.
type profile struct {
	attach func(native.Address, io.ReadWriteCloser) error
	detach func(native.Address)
}

// Release is called by bluetoothd when the profile is unregistered.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	if addr, err := addressFromPath(dev); err == nil {
		p.detach(addr)
	}
	return nil
}

// NewConnection hands the RFCOMM socket to the transport. Rejected links
// are closed here.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "rfcomm")
	addr, err := addressFromPath(dev)
	if err == nil {
		err = p.attach(addr, f)
	}
	if err != nil {
		_ = f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{err.Error()}}
	}
	return nil
}

func (b *bluezBus) RegisterProfile(features uint32, attach func(native.Address, io.ReadWriteCloser) error,
	detach func(native.Address)) (func(), error) {
	p := &profile{attach: attach, detach: detach}
	if err := b.conn.Export(p, b.path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Name":     dbus.MakeVariant("Hands-Free Audio Gateway"),
		"Role":     dbus.MakeVariant("server"),
		"Channel":  dbus.MakeVariant(b.channel),
		"Features": dbus.MakeVariant(uint16(features)),
		"Version":  dbus.MakeVariant(uint16(0x0107)),
	}
	pm := b.conn.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, b.path, AudioGatewayUUID, opts); call.Err != nil {
		_ = b.conn.Export(nil, b.path, profileInterfaceName)
		return nil, fmt.Errorf("RegisterProfile: %w", call.Err)
	}
	return func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, b.path).Err
		_ = b.conn.Export(nil, b.path, profileInterfaceName)
	}, nil
}

func (b *bluezBus) ConnectProfile(dev native.Address) error {
	return b.conn.Object(bluezService, b.devicePath(dev)).Call(deviceIface+".ConnectProfile", 0, hfp.HandsfreeUUID).Err
}

func (b *bluezBus) DisconnectProfile(dev native.Address) error {
	return b.conn.Object(bluezService, b.devicePath(dev)).Call(deviceIface+".DisconnectProfile", 0, hfp.HandsfreeUUID).Err
}

func (b *bluezBus) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := b.conn.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// Headset is a remote device that advertises a hands-free service.
type Headset struct {
	Address native.Address
	Path    string
	Name    string
	Alias   string
	Paired  bool
}

// Devices reads remote device properties from bluetoothd.
type Devices struct {
	bus    *bluezBus
	peers  map[native.Address]native.Address
	logger *slog.Logger
}

func (d *Devices) props(dev native.Address) (map[string]dbus.Variant, error) {
	obj := d.bus.conn.Object(bluezService, d.bus.devicePath(dev))
	var props map[string]dbus.Variant
	if err := obj.Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		return nil, fmt.Errorf("bluez: properties of %s: %w", dev, err)
	}
	return props, nil
}

func (d *Devices) RemoteUUIDs(dev native.Address) []string {
	props, err := d.props(dev)
	if err != nil {
		d.logger.Debug("remote uuids", "device", dev, "err", err)
		return nil
	}
	uu, _ := props["UUIDs"].Value().([]string)
	return uu
}

func (d *Devices) BondState(dev native.Address) hfp.BondState {
	props, err := d.props(dev)
	if err != nil {
		return hfp.BondNone
	}
	if paired, _ := props["Paired"].Value().(bool); paired {
		return hfp.BondBonded
	}
	return hfp.BondNone
}

func (d *Devices) PeerOf(dev native.Address) (native.Address, bool) {
	p, ok := d.peers[dev]
	return p, ok
}

func (d *Devices) Name(dev native.Address) string {
	props, err := d.props(dev)
	if err != nil {
		return string(dev)
	}
	if alias, _ := props["Alias"].Value().(string); alias != "" {
		return alias
	}
	if name, _ := props["Name"].Value().(string); name != "" {
		return name
	}
	return string(dev)
}

// ListHeadsets discovers devices advertising a hands-free or headset
// service until ctx is done.
func (d *Devices) ListHeadsets(ctx context.Context) ([]Headset, error) {
	bus := d.bus.conn
	adapter := bus.Object(bluezService, d.bus.adapter)
	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		d.logger.Warn("start discovery", "err", err)
	} else {
		defer func() { _ = adapter.Call(adapterIface+".StopDiscovery", 0).Err }()
	}

	objs, err := d.bus.managedObjects()
	if err != nil {
		return nil, err
	}
	found := make(map[string]Headset)
	for path, ifaces := range objs {
		if h, ok := headsetFromIfaces(path, ifaces); ok {
			found[h.Path] = h
		}
	}

	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || sig.Name != objManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if h, ok := headsetFromIfaces(path, ifaces); ok {
				found[h.Path] = h
			}
		}
	}

	out := make([]Headset, 0, len(found))
	for _, h := range found {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// WatchBonds reports pairing changes of remote devices until ctx is done.
// A removed device is reported as unpaired.
func (d *Devices) WatchBonds(ctx context.Context, fn func(native.Address, hfp.BondState)) error {
	bus := d.bus.conn
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)

	propsMatch := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	}
	removedMatch := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesRemoved"),
	}
	for _, m := range [][]dbus.MatchOption{propsMatch, removedMatch} {
		if err := bus.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
	}
	defer func() {
		_ = bus.RemoveMatchSignal(propsMatch...)
		_ = bus.RemoveMatchSignal(removedMatch...)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return errors.New("bluez: signal channel closed")
			}
			if dev, bond, ok := d.bondChange(sig); ok {
				fn(dev, bond)
			}
		}
	}
}

func (d *Devices) bondChange(sig *dbus.Signal) (native.Address, hfp.BondState, bool) {
	if sig == nil || !strings.HasPrefix(string(sig.Path), string(d.bus.adapter)+"/dev_") {
		return "", 0, false
	}
	dev, err := addressFromPath(sig.Path)
	if err != nil {
		return "", 0, false
	}
	switch sig.Name {
	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return "", 0, false
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		v, ok := changed["Paired"]
		if !ok {
			return "", 0, false
		}
		if paired, _ := v.Value().(bool); paired {
			return dev, hfp.BondBonded, true
		}
		return dev, hfp.BondNone, true
	case objManagerIface + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return "", 0, false
		}
		ifaces, _ := sig.Body[1].([]string)
		for _, i := range ifaces {
			if i == deviceIface {
				return dev, hfp.BondNone, true
			}
		}
	}
	return "", 0, false
}

func headsetFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Headset, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Headset{}, false
	}
	uu, _ := props["UUIDs"].Value().([]string)
	if !containsUUID(uu, hfp.HandsfreeUUID) && !containsUUID(uu, hfp.HeadsetUUID) {
		return Headset{}, false
	}
	h := Headset{Path: string(path)}
	if v, ok := props["Address"]; ok {
		s, _ := v.Value().(string)
		h.Address, _ = native.ParseAddress(s)
	}
	if h.Address.IsZero() {
		h.Address, _ = addressFromPath(path)
	}
	if v, ok := props["Name"]; ok {
		h.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		h.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		h.Paired, _ = v.Value().(bool)
	}
	return h, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func addressFromPath(p dbus.ObjectPath) (native.Address, error) {
	return addressFromPathString(string(p))
}
