package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errNotFound = errors.New("device not found")

const (
	ashaUUIDStr    = "0000fdf0-0000-1000-8000-00805f9b34fb"
	batteryUUIDStr = "0000180f-0000-1000-8000-00805f9b34fb"
)

// fakeDevice implements btDevice with controllable state and failures.
type fakeDevice struct {
	mu sync.Mutex

	uuids     []string
	name      string
	connected bool
	trusted   bool
	rssi      int16
	hasRSSI   bool

	uuidsErr   error
	nameErr    error
	readErr    error // Connected/Trusted reads
	trustErr   error
	connectErr error
	discErr    error

	trustCalls   int
	connectCalls int
	discCalls    int
}

func (d *fakeDevice) UUIDs(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.uuidsErr != nil {
		return nil, d.uuidsErr
	}
	return d.uuids, nil
}

func (d *fakeDevice) Name(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name, d.nameErr
}

func (d *fakeDevice) Connected(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return false, d.readErr
	}
	return d.connected, nil
}

func (d *fakeDevice) Trusted(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return false, d.readErr
	}
	return d.trusted, nil
}

func (d *fakeDevice) SetTrusted(ctx context.Context, trusted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trustCalls++
	if d.trustErr != nil {
		return d.trustErr
	}
	d.trusted = trusted
	return nil
}

func (d *fakeDevice) ConnectProfile(ctx context.Context, serviceUUID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectCalls++
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

func (d *fakeDevice) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discCalls++
	if d.discErr != nil {
		return d.discErr
	}
	d.connected = false
	return nil
}

func (d *fakeDevice) RSSI(ctx context.Context) (int16, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi, d.hasRSSI, nil
}

func (d *fakeDevice) isConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) isTrusted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trusted
}

func (d *fakeDevice) calls() (trust, connect, disc int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trustCalls, d.connectCalls, d.discCalls
}

// fakeAdapter implements btAdapter over a fixed device map.
type fakeAdapter struct {
	mu        sync.Mutex
	devices   map[string]*fakeDevice
	deviceErr error

	powered    bool
	poweredErr error
	filterErr  error

	events      chan discoveryEvent
	discoverErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		devices: make(map[string]*fakeDevice),
		powered: true,
		events:  make(chan discoveryEvent, 16),
	}
}

func (a *fakeAdapter) Powered(ctx context.Context) (bool, error) {
	return a.powered, a.poweredErr
}

func (a *fakeAdapter) SetDiscoveryFilter(ctx context.Context) error {
	return a.filterErr
}

func (a *fakeAdapter) DiscoverDevices(ctx context.Context) (<-chan discoveryEvent, func(), error) {
	if a.discoverErr != nil {
		return nil, nil, a.discoverErr
	}
	return a.events, func() {}, nil
}

func (a *fakeAdapter) Device(addr string) (btDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deviceErr != nil {
		return nil, a.deviceErr
	}
	d, ok := a.devices[addr]
	if !ok {
		return nil, errNotFound
	}
	return d, nil
}

// fakeSession implements btSession.
type fakeSession struct {
	adapter    *fakeAdapter
	adapterErr error
	closed     bool
}

func (s *fakeSession) DefaultAdapter(name string) (btAdapter, error) {
	if s.adapterErr != nil {
		return nil, s.adapterErr
	}
	return s.adapter, nil
}

func (s *fakeSession) Close() { s.closed = true }

// fakePlayer / fakeFinder implement the media collaborator.
type fakePlayer struct {
	mu     sync.Mutex
	status string
	err    error
}

func (p *fakePlayer) PlaybackStatus(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.err
}

func (p *fakePlayer) setStatus(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

type fakeFinder struct {
	mu     sync.Mutex
	player *fakePlayer
	err    error
}

func (f *fakeFinder) ActivePlayer(ctx context.Context) (mediaPlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.player, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
