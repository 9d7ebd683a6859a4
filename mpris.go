package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	mprisPrefix      = "org.mpris.MediaPlayer2."
	mprisObjectPath  = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisPlayerIface = "org.mpris.MediaPlayer2.Player"
)

// mediaPlayer is one MPRIS player as seen at lookup time.
type mediaPlayer interface {
	PlaybackStatus(ctx context.Context) (string, error)
}

// playerFinder locates the currently relevant media player.
type playerFinder interface {
	ActivePlayer(ctx context.Context) (mediaPlayer, error)
}

// mprisFinder talks to MPRIS players on the session bus. The bus connection
// is opened lazily and dropped on error so a restarted session bus only
// costs one failed poll.
type mprisFinder struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func newMPRISFinder() *mprisFinder {
	return &mprisFinder{}
}

func (f *mprisFinder) bus() (*dbus.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn, nil
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	f.conn = conn
	return conn, nil
}

func (f *mprisFinder) dropBus() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// ActivePlayer returns the player to poll: the first one reporting
// "Playing" if any, otherwise the first MPRIS name on the bus.
func (f *mprisFinder) ActivePlayer(ctx context.Context) (mediaPlayer, error) {
	conn, err := f.bus()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbusCallTimeout)
	defer cancel()

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		f.dropBus()
		return nil, fmt.Errorf("list bus names: %w", err)
	}

	var first mediaPlayer
	for _, n := range names {
		if !strings.HasPrefix(n, mprisPrefix) {
			continue
		}
		p := &mprisPlayer{conn: conn, name: n}
		if first == nil {
			first = p
		}
		status, err := p.PlaybackStatus(ctx)
		if err == nil && status == statusPlaying {
			return p, nil
		}
	}
	if first == nil {
		return nil, fmt.Errorf("no media player on session bus")
	}
	return first, nil
}

const statusPlaying = "Playing"

type mprisPlayer struct {
	conn *dbus.Conn
	name string
}

func (p *mprisPlayer) PlaybackStatus(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dbusCallTimeout)
	defer cancel()
	obj := p.conn.Object(p.name, mprisObjectPath)
	var v dbus.Variant
	if err := obj.CallWithContext(ctx, propsIface+".Get", 0, mprisPlayerIface, "PlaybackStatus").Store(&v); err != nil {
		return "", err
	}
	status, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("PlaybackStatus is not a string")
	}
	return status, nil
}
