package main

import (
	"context"
	"log"
	"time"
)

// supervisor drives one ASHA device: while something is playing the device
// should be trusted and connected, otherwise disconnected. State is
// observed by polling, never assumed from the outcome of an action.
type supervisor struct {
	dev      btDevice
	addr     string
	name     string
	signal   *playbackSignal
	entry    *deviceEntry
	interval time.Duration
}

func newSupervisor(dev btDevice, addr, name string, sig *playbackSignal, entry *deviceEntry) *supervisor {
	return &supervisor{
		dev:      dev,
		addr:     addr,
		name:     name,
		signal:   sig,
		entry:    entry,
		interval: pollInterval,
	}
}

// run polls until ctx is cancelled. Cancellation wins over a pending tick,
// so no request is issued after the supervisor is told to stop.
func (s *supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx)
		}
	}
}

// tick evaluates the transition table once. A failed read makes the tick
// inconclusive: skip it, the next one retries. A failed action is logged
// and retried next tick; the poll interval is the backoff.
func (s *supervisor) tick(ctx context.Context) {
	connected, err := s.dev.Connected(ctx)
	if err != nil {
		return
	}
	s.entry.setConnected(connected)

	playing := s.signal.Playing()
	switch {
	case playing && !connected:
		s.tryConnect(ctx)
	case !playing && connected:
		if err := s.dev.Disconnect(ctx); err != nil {
			log.Printf("%s: disconnect failed: %v", s.name, err)
		}
	}
}

func (s *supervisor) tryConnect(ctx context.Context) {
	trusted, err := s.dev.Trusted(ctx)
	if err != nil {
		return
	}
	if !trusted {
		if err := s.dev.SetTrusted(ctx, true); err != nil {
			log.Printf("%s: set trusted failed: %v", s.name, err)
			return
		}
		log.Printf("%s: marked trusted", s.name)
	}
	if err := s.dev.ConnectProfile(ctx, ashaServiceUUID); err != nil {
		log.Printf("%s: connect failed: %v", s.name, err)
	}
}
