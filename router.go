package main

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// deviceEntry is the registry record for one supervised device.
type deviceEntry struct {
	name      string
	cancel    context.CancelFunc
	connected atomic.Bool
}

func (e *deviceEntry) setConnected(v bool) { e.connected.Store(v) }

// registry maps device addresses to their active supervisors. At most one
// entry per address.
type registry struct {
	mu      sync.Mutex
	entries map[string]*deviceEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*deviceEntry)}
}

// add inserts an entry for addr unless one is already active. Returns nil
// when the address is already tracked.
func (r *registry) add(addr, name string, cancel context.CancelFunc) *deviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[addr]; ok {
		return nil
	}
	e := &deviceEntry{name: name, cancel: cancel}
	r.entries[addr] = e
	return e
}

// cancelAddr signals the supervisor for addr, if any. The entry itself is
// removed by the supervisor goroutine on exit.
func (r *registry) cancelAddr(addr string) bool {
	r.mu.Lock()
	e, ok := r.entries[addr]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// remove deletes addr only if it still maps to the given entry, so a
// supervisor exiting late cannot evict its successor.
func (r *registry) remove(addr string, e *deviceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[addr]; ok && cur == e {
		delete(r.entries, addr)
	}
}

// snapshot returns the current view for the status IPC.
func (r *registry) snapshot() []DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceStatus, 0, len(r.entries))
	for addr, e := range r.entries {
		out = append(out, DeviceStatus{
			Address:   addr,
			Name:      e.name,
			Connected: e.connected.Load(),
		})
	}
	return out
}

// router fans discovery events out to per-device handling. Each event gets
// its own goroutine so a slow device never delays detection of another.
type router struct {
	registry    *registry
	signal      *playbackSignal
	deviceNames []string // optional name allowlist; empty matches all
}

func newRouter(reg *registry, sig *playbackSignal, deviceNames []string) *router {
	return &router{registry: reg, signal: sig, deviceNames: deviceNames}
}

// run drains the event stream; it returns once the stream closes and all
// in-flight handlers have finished. Supervisors spawned here live on the
// given ctx and die with the epoch.
func (r *router) run(ctx context.Context, adapter btAdapter, events <-chan discoveryEvent) {
	var wg sync.WaitGroup
	for ev := range events {
		wg.Add(1)
		go func(ev discoveryEvent) {
			defer wg.Done()
			switch ev.kind {
			case deviceAdded:
				r.deviceAdded(ctx, adapter, ev.addr)
			case deviceRemoved:
				r.deviceRemoved(ctx, adapter, ev.addr)
			}
		}(ev)
	}
	wg.Wait()
}

// deviceAdded resolves the device and spawns a supervisor if it advertises
// the ASHA service. Lookup failures drop the event; the next advertisement
// re-triggers it.
func (r *router) deviceAdded(ctx context.Context, adapter btAdapter, addr string) {
	dev, err := adapter.Device(addr)
	if err != nil {
		return
	}
	uuids, err := dev.UUIDs(ctx)
	if err != nil || !advertisesService(uuids, ashaServiceU16) {
		return
	}

	name := deviceName(ctx, dev)
	if !r.nameAllowed(name) {
		log.Printf("ignoring ASHA device %s (%s): not in device_names", name, addr)
		return
	}

	supCtx, cancel := context.WithCancel(ctx)
	entry := r.registry.add(addr, name, cancel)
	if entry == nil {
		cancel()
		return
	}

	if rssi, ok, err := dev.RSSI(ctx); err == nil && ok {
		log.Printf("ASHA device found: %s (%s, RSSI %d)", name, addr, rssi)
	} else {
		log.Printf("ASHA device found: %s (%s)", name, addr)
	}

	sup := newSupervisor(dev, addr, name, r.signal, entry)
	go func() {
		defer r.registry.remove(addr, entry)
		defer cancel()
		sup.run(supCtx)
	}()
}

// deviceRemoved cancels the supervisor for addr; the device handle is
// resolved only for the log line.
func (r *router) deviceRemoved(ctx context.Context, adapter btAdapter, addr string) {
	name := addr
	if dev, err := adapter.Device(addr); err == nil {
		name = deviceName(ctx, dev)
	}
	if r.registry.cancelAddr(addr) {
		log.Printf("device removed: %s (%s)", name, addr)
	}
}

func (r *router) nameAllowed(name string) bool {
	if len(r.deviceNames) == 0 {
		return true
	}
	for _, n := range r.deviceNames {
		if n == name {
			return true
		}
	}
	return false
}

func deviceName(ctx context.Context, dev btDevice) string {
	name, err := dev.Name(ctx)
	if err != nil || name == "" {
		return "Unknown"
	}
	return name
}
