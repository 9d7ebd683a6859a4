package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "ashad.sock")
}

// daemon answers status queries over the unix socket.
type daemon struct {
	registry *registry
	signal   *playbackSignal
}

func (d *daemon) handleRequest(req IPCRequest) IPCResponse {
	switch req.Command {
	case "status":
		return IPCResponse{
			Playing: d.signal.Playing(),
			Devices: d.registry.snapshot(),
		}
	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	resp := d.handleRequest(req)
	json.NewEncoder(conn).Encode(resp)
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := &playbackSignal{}
	go pollPlayback(ctx, newMPRISFinder(), sig, pollInterval)

	reg := newRegistry()
	r := newRouter(reg, sig, cfg.DeviceNames)
	go runRestartLoop(ctx, openSession, cfg.Adapter, r)

	sock := socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	d := &daemon{registry: reg, signal: sig}

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("shutting down")
		cancel()
		ln.Close()
	}()

	log.Printf("listening on %s", sock)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			return nil
		}
		go d.handleConn(conn)
	}
}
