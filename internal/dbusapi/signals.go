package dbusapi

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5/introspect"

	"bluetooth-hfp/internal/eventbus"
)

// Signal members. Every signal carries the broadcast id first and the
// device address second.
const (
	SignalConnectionStateChanged  = "ConnectionStateChanged"
	SignalAudioStateChanged       = "AudioStateChanged"
	SignalActiveDeviceChanged     = "ActiveDeviceChanged"
	SignalVendorSpecificEvent     = "VendorSpecificEvent"
	SignalHfIndicatorValueChanged = "HfIndicatorValueChanged"
)

var signals = []introspect.Signal{
	{Name: SignalConnectionStateChanged, Args: []introspect.Arg{
		{Name: "id", Type: "s"}, {Name: "device", Type: "s"}, {Name: "prev", Type: "i"}, {Name: "state", Type: "i"},
	}},
	{Name: SignalAudioStateChanged, Args: []introspect.Arg{
		{Name: "id", Type: "s"}, {Name: "device", Type: "s"}, {Name: "prev", Type: "i"}, {Name: "state", Type: "i"},
	}},
	{Name: SignalActiveDeviceChanged, Args: []introspect.Arg{
		{Name: "id", Type: "s"}, {Name: "device", Type: "s"},
	}},
	{Name: SignalVendorSpecificEvent, Args: []introspect.Arg{
		{Name: "id", Type: "s"}, {Name: "device", Type: "s"}, {Name: "command", Type: "s"},
		{Name: "type", Type: "i"}, {Name: "company", Type: "i"}, {Name: "args", Type: "as"},
	}},
	{Name: SignalHfIndicatorValueChanged, Args: []introspect.Arg{
		{Name: "id", Type: "s"}, {Name: "device", Type: "s"}, {Name: "indicator", Type: "i"}, {Name: "value", Type: "i"},
	}},
}

// signalFor maps a broadcast to its signal member and body.
func signalFor(e eventbus.Event) (string, []interface{}, bool) {
	dev := string(e.Device)
	switch e.Type {
	case eventbus.ConnectionStateChanged:
		return SignalConnectionStateChanged, []interface{}{e.ID, dev, int32(e.PrevState), int32(e.State)}, true
	case eventbus.AudioStateChanged:
		return SignalAudioStateChanged, []interface{}{e.ID, dev, int32(e.PrevState), int32(e.State)}, true
	case eventbus.ActiveDeviceChanged:
		return SignalActiveDeviceChanged, []interface{}{e.ID, dev}, true
	case eventbus.VendorSpecificEvent:
		args := make([]string, 0, len(e.Args))
		for _, a := range e.Args {
			args = append(args, fmt.Sprint(a))
		}
		return SignalVendorSpecificEvent, []interface{}{e.ID, dev, e.Command, int32(e.CommandType), int32(e.CompanyID), args}, true
	case eventbus.HfIndicatorValueChanged:
		return SignalHfIndicatorValueChanged, []interface{}{e.ID, dev, int32(e.IndicatorID), int32(e.IndicatorValue)}, true
	}
	return "", nil, false
}

func (h *Headset) relay(_ context.Context, e eventbus.Event) {
	member, body, ok := signalFor(e)
	if !ok || h.sig == nil {
		return
	}
	if err := h.sig.Emit(h.path, Interface+"."+member, body...); err != nil {
		h.logger.Error("emit signal", "signal", member, "err", err)
	}
}
