package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// sessionOpener abstracts openSession for the restart loop.
type sessionOpener func() (btSession, error)

// setupError reports a failed epoch setup step together with how long the
// restart loop should wait before trying again.
type setupError struct {
	step    string
	backoff time.Duration
	err     error
}

func (e *setupError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.step, e.err)
	}
	return e.step
}

func (e *setupError) Unwrap() error { return e.err }

// runEpoch performs one full session attempt: open a session, acquire the
// adapter, require power, set the LE discovery filter, start discovery, and
// hand the stream to the router until it ends. A nil return means the
// stream terminated normally and a new epoch can start immediately.
func runEpoch(ctx context.Context, open sessionOpener, adapterName string, r *router) error {
	// Supervisors spawned during this epoch hold device handles from this
	// session, so they must not outlive it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := open()
	if err != nil {
		return &setupError{step: "open session", backoff: longBackoff, err: err}
	}
	defer session.Close()

	adapter, err := session.DefaultAdapter(adapterName)
	if err != nil {
		return &setupError{step: "get adapter", backoff: longBackoff, err: err}
	}

	powered, err := adapter.Powered(ctx)
	if err != nil {
		return &setupError{step: "read adapter state", backoff: shortBackoff, err: err}
	}
	if !powered {
		return &setupError{step: "adapter is powered off", backoff: shortBackoff}
	}

	if err := adapter.SetDiscoveryFilter(ctx); err != nil {
		return &setupError{step: "set discovery filter", backoff: shortBackoff, err: err}
	}

	events, stop, err := adapter.DiscoverDevices(ctx)
	if err != nil {
		return &setupError{step: "start discovery", backoff: shortBackoff, err: err}
	}
	defer stop()

	log.Printf("discovering devices...")
	r.run(ctx, adapter, events)
	return nil
}

// retrySleep is swapped out in tests.
var retrySleep = sleepCtx

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// runRestartLoop repeats epochs until ctx is cancelled. Setup failures back
// off per step; a normally terminated stream (adapter reset, bluetoothd
// restart) rolls straight into the next epoch.
func runRestartLoop(ctx context.Context, open sessionOpener, adapterName string, r *router) {
	for ctx.Err() == nil {
		err := runEpoch(ctx, open, adapterName, r)
		if err == nil {
			continue
		}
		if se, ok := err.(*setupError); ok {
			log.Printf("setup failed: %v (retrying in %s)", se, se.backoff)
			retrySleep(ctx, se.backoff)
			continue
		}
		log.Printf("setup failed: %v (retrying in %s)", err, shortBackoff)
		retrySleep(ctx, shortBackoff)
	}
}
