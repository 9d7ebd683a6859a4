package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	busName         = "org.bluez"
	bluezRootPath   = dbus.ObjectPath("/")
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// dbusCallTimeout bounds every BlueZ call so a hung bluetoothd can never
// stall a supervisor tick indefinitely.
const dbusCallTimeout = 5 * time.Second

// bluezSession wraps a system D-Bus connection for BlueZ operations.
type bluezSession struct {
	conn *dbus.Conn
}

// openSession connects to the system bus and verifies BlueZ is actually on
// it, so "service not running" fails here rather than on the first call.
func openSession() (btSession, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus — is bluetooth.service running?")
	}
	return &bluezSession{conn: conn}, nil
}

func (s *bluezSession) Close() {
	s.conn.Close()
}

// DefaultAdapter scans managed objects for an Adapter1. With an empty name
// the first adapter found wins; otherwise the object path must end in the
// given name (e.g. "hci0").
func (s *bluezSession) DefaultAdapter(name string) (btAdapter, error) {
	objs, err := s.managedObjects()
	if err != nil {
		return nil, err
	}
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; !ok {
			continue
		}
		if name != "" && !strings.HasSuffix(string(path), "/"+name) {
			continue
		}
		return &bluezAdapter{s: s, path: path}, nil
	}
	if name != "" {
		return nil, fmt.Errorf("adapter %q not found", name)
	}
	return nil, fmt.Errorf("no bluetooth adapter found")
}

func (s *bluezSession) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := s.conn.Object(busName, bluezRootPath)
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// --- property helpers ---

func (s *bluezSession) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	ctx, cancel := context.WithTimeout(ctx, dbusCallTimeout)
	defer cancel()
	obj := s.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (s *bluezSession) setProp(ctx context.Context, path dbus.ObjectPath, iface, prop string, val interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, dbusCallTimeout)
	defer cancel()
	obj := s.conn.Object(busName, path)
	return obj.CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (s *bluezSession) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := s.getProp(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (s *bluezSession) call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, dbusCallTimeout)
	defer cancel()
	obj := s.conn.Object(busName, path)
	return obj.CallWithContext(ctx, method, 0, args...).Err
}

// --- adapter ---

type bluezAdapter struct {
	s    *bluezSession
	path dbus.ObjectPath
}

func (a *bluezAdapter) Powered(ctx context.Context) (bool, error) {
	return a.s.getBool(ctx, a.path, adapterIface, "Powered")
}

func (a *bluezAdapter) SetDiscoveryFilter(ctx context.Context) error {
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	return a.s.call(ctx, a.path, adapterIface+".SetDiscoveryFilter", filter)
}

func (a *bluezAdapter) Device(addr string) (btDevice, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty device address")
	}
	return &bluezDevice{s: a.s, path: a.devicePath(addr)}, nil
}

// devicePath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func (a *bluezAdapter) devicePath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(string(a.path) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+len("/dev_"):], "_", ":")
}

// DiscoverDevices starts LE discovery and translates ObjectManager signals
// into discovery events. Devices BlueZ already knows about are replayed as
// added events first. The returned channel closes when the bus connection
// drops, the adapter object disappears, or stop is called.
func (a *bluezAdapter) DiscoverDevices(ctx context.Context) (<-chan discoveryEvent, func(), error) {
	matchOpts := []dbus.MatchOption{
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(objManagerIface),
	}
	if err := a.s.conn.AddMatchSignal(matchOpts...); err != nil {
		return nil, nil, fmt.Errorf("add signal match: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 32)
	a.s.conn.Signal(sigCh)

	if err := a.s.call(ctx, a.path, adapterIface+".StartDiscovery"); err != nil {
		a.s.conn.RemoveSignal(sigCh)
		_ = a.s.conn.RemoveMatchSignal(matchOpts...)
		return nil, nil, fmt.Errorf("start discovery: %w", err)
	}

	// Snapshot taken after StartDiscovery so nothing falls between the
	// replay and the live signals; duplicates are fine, the router is
	// idempotent.
	objs, err := a.s.managedObjects()
	if err != nil {
		objs = nil
	}

	out := make(chan discoveryEvent, 16)
	done := make(chan struct{})
	stop := func() { close(done) }

	go func() {
		defer close(out)
		defer func() {
			_ = a.s.call(context.Background(), a.path, adapterIface+".StopDiscovery")
			a.s.conn.RemoveSignal(sigCh)
			_ = a.s.conn.RemoveMatchSignal(matchOpts...)
		}()

		emit := func(ev discoveryEvent) bool {
			select {
			case out <- ev:
				return true
			case <-done:
				return false
			case <-ctx.Done():
				return false
			}
		}

		prefix := string(a.path) + "/dev_"
		for path, ifaces := range objs {
			if _, ok := ifaces[deviceIface]; !ok {
				continue
			}
			if !strings.HasPrefix(string(path), prefix) {
				continue
			}
			if !emit(discoveryEvent{kind: deviceAdded, addr: macFromPath(path)}) {
				return
			}
		}

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					// Bus connection closed; the epoch is over.
					return
				}
				ev, adapterGone := a.translate(sig)
				if adapterGone {
					return
				}
				if ev == nil {
					continue
				}
				if !emit(*ev) {
					return
				}
			}
		}
	}()

	return out, stop, nil
}

// translate maps one ObjectManager signal to a discovery event. The second
// return is true when our adapter itself was removed.
func (a *bluezAdapter) translate(sig *dbus.Signal) (*discoveryEvent, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return nil, false
	}
	devPrefix := string(a.path) + "/dev_"
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil || !strings.HasPrefix(string(path), devPrefix) {
			return nil, false
		}
		if _, ok := ifaces[deviceIface]; !ok {
			return nil, false
		}
		return &discoveryEvent{kind: deviceAdded, addr: macFromPath(path)}, false

	case objManagerIface + ".InterfacesRemoved":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		removed, _ := sig.Body[1].([]string)
		for _, iface := range removed {
			if iface == adapterIface && path == a.path {
				return nil, true
			}
			if iface == deviceIface && strings.HasPrefix(string(path), devPrefix) {
				return &discoveryEvent{kind: deviceRemoved, addr: macFromPath(path)}, false
			}
		}
	}
	return nil, false
}

// --- device ---

type bluezDevice struct {
	s    *bluezSession
	path dbus.ObjectPath
}

func (d *bluezDevice) UUIDs(ctx context.Context) ([]string, error) {
	v, err := d.s.getProp(ctx, d.path, deviceIface, "UUIDs")
	if err != nil {
		return nil, err
	}
	uuids, _ := v.Value().([]string)
	return uuids, nil
}

func (d *bluezDevice) Name(ctx context.Context) (string, error) {
	v, err := d.s.getProp(ctx, d.path, deviceIface, "Name")
	if err != nil {
		return "", err
	}
	name, _ := v.Value().(string)
	return name, nil
}

func (d *bluezDevice) Connected(ctx context.Context) (bool, error) {
	return d.s.getBool(ctx, d.path, deviceIface, "Connected")
}

func (d *bluezDevice) Trusted(ctx context.Context) (bool, error) {
	return d.s.getBool(ctx, d.path, deviceIface, "Trusted")
}

func (d *bluezDevice) SetTrusted(ctx context.Context, trusted bool) error {
	return d.s.setProp(ctx, d.path, deviceIface, "Trusted", trusted)
}

func (d *bluezDevice) ConnectProfile(ctx context.Context, serviceUUID string) error {
	return d.s.call(ctx, d.path, deviceIface+".ConnectProfile", serviceUUID)
}

func (d *bluezDevice) Disconnect(ctx context.Context) error {
	return d.s.call(ctx, d.path, deviceIface+".Disconnect")
}

// RSSI reads the device RSSI; the bool is false when BlueZ has no current
// reading (the property is absent while the device is out of range).
func (d *bluezDevice) RSSI(ctx context.Context) (int16, bool, error) {
	v, err := d.s.getProp(ctx, d.path, deviceIface, "RSSI")
	if err != nil {
		if dbusErr, ok := err.(dbus.Error); ok && strings.HasPrefix(dbusErr.Name, "org.freedesktop.DBus.Error") {
			return 0, false, nil
		}
		return 0, false, err
	}
	rssi, ok := v.Value().(int16)
	if !ok {
		return 0, false, fmt.Errorf("property RSSI is not int16")
	}
	return rssi, true, nil
}
