package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// ashaServiceU16 is the 16-bit alias of the ASHA (Audio Streaming for
// Hearing Aids) GATT service.
const ashaServiceU16 uint16 = 0xFDF0

// ashaServiceUUID is the full 128-bit form, as BlueZ expects it for
// ConnectProfile.
const ashaServiceUUID = "0000fdf0-0000-1000-8000-00805f9b34fb"

const (
	// pollInterval paces both the playback poller and every device
	// supervisor.
	pollInterval = 100 * time.Millisecond

	// shortBackoff covers transient setup failures (adapter off, filter,
	// discovery); longBackoff covers session/adapter acquisition failures,
	// which mean the Bluetooth service itself is down.
	shortBackoff = 5 * time.Second
	longBackoff  = time.Minute
)

// btSession is one established control session against the Bluetooth stack.
// Re-acquired on every epoch.
type btSession interface {
	DefaultAdapter(name string) (btAdapter, error)
	Close()
}

// btAdapter is the host adapter for the duration of one epoch.
type btAdapter interface {
	Powered(ctx context.Context) (bool, error)
	SetDiscoveryFilter(ctx context.Context) error
	// DiscoverDevices starts discovery and returns the event stream plus a
	// stop function. The channel closes when the stream ends (bus
	// connection lost, adapter removed, or stop called).
	DiscoverDevices(ctx context.Context) (<-chan discoveryEvent, func(), error)
	Device(addr string) (btDevice, error)
}

// btDevice is one remote device, keyed by hardware address.
type btDevice interface {
	UUIDs(ctx context.Context) ([]string, error)
	Name(ctx context.Context) (string, error)
	Connected(ctx context.Context) (bool, error)
	Trusted(ctx context.Context) (bool, error)
	SetTrusted(ctx context.Context, trusted bool) error
	ConnectProfile(ctx context.Context, serviceUUID string) error
	Disconnect(ctx context.Context) error
	RSSI(ctx context.Context) (int16, bool, error)
}

type eventKind int

const (
	deviceAdded eventKind = iota
	deviceRemoved
)

// discoveryEvent is one adapter event: a device appeared or disappeared.
type discoveryEvent struct {
	kind eventKind
	addr string
}

// bluetoothBaseSuffix is the tail of the Bluetooth base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb shared by all 16-bit aliases.
var bluetoothBaseSuffix = []byte{
	0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

// uuid16 extracts the 16-bit alias from a UUID string, if it is a
// Bluetooth base UUID.
func uuid16(s string) (uint16, bool) {
	u, err := uuid.Parse(s)
	if err != nil {
		return 0, false
	}
	if u[0] != 0 || u[1] != 0 || !bytes.Equal(u[4:], bluetoothBaseSuffix) {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

// advertisesService reports whether any advertised UUID aliases the given
// 16-bit service.
func advertisesService(uuids []string, service uint16) bool {
	for _, s := range uuids {
		if v, ok := uuid16(s); ok && v == service {
			return true
		}
	}
	return false
}
