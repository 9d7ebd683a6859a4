package main

import (
	"context"
	"sync/atomic"
	"time"
)

// playbackSignal is the shared "is anything playing" flag. Single writer
// (the poll loop), read by every device supervisor.
type playbackSignal struct {
	playing atomic.Bool
}

func (s *playbackSignal) Playing() bool {
	return s.playing.Load()
}

func (s *playbackSignal) set(v bool) {
	s.playing.Store(v)
}

// pollPlayback keeps the signal current. Any failure — no session bus, no
// player, unreadable status — degrades to false: no evidence of playback is
// treated the same as not playing. Runs until ctx is cancelled.
func pollPlayback(ctx context.Context, finder playerFinder, sig *playbackSignal, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sig.set(readPlaybackState(ctx, finder))
		}
	}
}

func readPlaybackState(ctx context.Context, finder playerFinder) bool {
	player, err := finder.ActivePlayer(ctx)
	if err != nil {
		return false
	}
	status, err := player.PlaybackStatus(ctx)
	if err != nil {
		return false
	}
	return status == statusPlaying
}
