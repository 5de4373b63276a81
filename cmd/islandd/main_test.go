package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/islandd/internal/bus"
	"github.com/basket/islandd/internal/config"
	"github.com/basket/islandd/internal/hookserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatchReloads_MovesTCPListener(t *testing.T) {
	home := t.TempDir()

	hook := hookserver.New(hookserver.Config{
		SocketPath:   filepath.Join(home, "island.sock"),
		ReadBudget:   100 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Workers:      1,
		Bus:          bus.New(),
	})
	t.Cleanup(hook.Shutdown)
	if err := hook.StartTCP(0); err != nil {
		t.Fatalf("StartTCP: %v", err)
	}
	first := hook.TCPAddr()

	// Pick a distinct free port for the rebind target.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	newPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfgYAML := fmt.Sprintf("hook:\n  tcp_enabled: true\n  tcp_port: %d\n", newPort)
	if err := os.WriteFile(config.ConfigPath(home), []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	current, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	current.Hook.TCPPort = 0 // pretend the old port differs so a rebind triggers

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan config.ReloadEvent, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchReloads(ctx, events, discardLogger(), hook, &current)
	}()

	events <- config.ReloadEvent{Path: config.ConfigPath(home)}

	deadline := time.Now().Add(3 * time.Second)
	for {
		addr := hook.TCPAddr()
		if addr != "" && addr != first {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener never moved, addr = %q", addr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchReloads did not stop on cancel")
	}
}

func TestWatchReloads_DisableTCP(t *testing.T) {
	home := t.TempDir()

	hook := hookserver.New(hookserver.Config{
		SocketPath: filepath.Join(home, "island.sock"),
		Workers:    1,
		Bus:        bus.New(),
	})
	t.Cleanup(hook.Shutdown)
	if err := hook.StartTCP(0); err != nil {
		t.Fatalf("StartTCP: %v", err)
	}

	if err := os.WriteFile(config.ConfigPath(home), []byte("hook:\n  tcp_enabled: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	current, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	current.Hook.TCPEnabled = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan config.ReloadEvent, 1)
	go watchReloads(ctx, events, discardLogger(), hook, &current)

	events <- config.ReloadEvent{Path: config.ConfigPath(home)}

	deadline := time.Now().Add(3 * time.Second)
	for hook.TCPAddr() != "" {
		if time.Now().After(deadline) {
			t.Fatal("tcp listener still up after disable")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFlagPassed(t *testing.T) {
	// flag.Visit only sees flags that were set on the command line; a
	// fresh test process sets none.
	if flagPassed("gateway") {
		t.Fatal("gateway reported as passed without being set")
	}
}
