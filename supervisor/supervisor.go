// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package supervisor wires the dongle lifecycle controller, the addressed
// packet router and the daemon control-plane service into a single running
// process, and drives the ordered shutdown spec.md §5 and §7 require. It is
// the Go-native home for spec.md §5's "single supervision task": not a
// module named in spec.md itself, but required by its shutdown ordering
// ("close the control server -> close each proxy (server then client side)
// -> close the dongle -> stop the executor").
package supervisor

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net"

	"github.com/barobo/dongled/daemon"
	"github.com/barobo/dongled/dongle"
	"github.com/barobo/dongled/proxy"
	"github.com/barobo/dongled/router"
)

// Config configures a Supervisor.
type Config struct {
	// Log is the logger every owned component inherits. If nil,
	// slog.Default() is used.
	Log *slog.Logger

	// ControlAddr is the control-plane listen address. If empty,
	// daemon.DefaultAddr (127.0.0.1:42000, spec.md §6) is used.
	ControlAddr string

	// DevicePath, if non-empty, bypasses USB discovery and names the
	// serial device to open directly — for hosts with nonstandard
	// enumeration, or for pointing the daemon at a fake device in manual
	// testing.
	DevicePath string

	// DongleOpts are passed through to dongle.New, e.g. to override the
	// default timing constants or baud rate.
	DongleOpts []dongle.Option
}

// Supervisor owns one process's worth of the daemon: the router, the
// dongle lifecycle controller, and the control-plane service. Exactly one
// Supervisor should be constructed per process; its fields are exported so
// tests can reach into the individual components the way daemon_test.go's
// testRig does, without duplicating the wiring here.
type Supervisor struct {
	log     *slog.Logger
	Router  *router.Router
	Dongle  *dongle.Controller
	Service *daemon.Service
}

// fixedDevicePath is a dongle.DeviceFinder that always reports the same
// path, used when Config.DevicePath bypasses USB discovery.
type fixedDevicePath string

func (p fixedDevicePath) FindDevicePath() (string, error) { return string(p), nil }

// New constructs a Supervisor from cfg. It does not open anything; call
// Run (or Listen, for tests that need the bound address first) to start.
func New(cfg Config) *Supervisor {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	r := router.New(log)

	opts := append([]dongle.Option(nil), cfg.DongleOpts...)
	if cfg.DevicePath != "" {
		opts = append(opts, dongle.WithDeviceFinder(fixedDevicePath(cfg.DevicePath)))
	}
	d := dongle.New(log, r, opts...)

	svc := daemon.New(log, r, d, cfg.ControlAddr)

	return &Supervisor{log: log, Router: r, Dongle: d, Service: svc}
}

// Listen binds the control-plane listener without serving it, so a caller
// can learn the bound address (e.g. when ControlAddr requests an ephemeral
// port) before Run starts accepting connections. Run calls it automatically
// if it has not already been called.
func (s *Supervisor) Listen() error { return s.Service.Listen() }

// Addr reports the control-plane listener's bound address. Valid only
// after Listen or Run has been called.
func (s *Supervisor) Addr() net.Addr { return s.Service.Addr() }

// Metrics returns a combined expvar map merging the router's, the dongle
// controller's and the proxy fabric's counters under their own keys. It is
// not published automatically: a caller that wants the default
// /debug/vars surface must call expvar.Publish itself, exactly once per
// process, the same one-map-per-component-family shape spec.md's ambient
// stack calls for.
func (s *Supervisor) Metrics() *expvar.Map {
	m := new(expvar.Map)
	m.Set("router", s.Router.Metrics())
	m.Set("dongle", s.Dongle.Metrics())
	m.Set("proxy", proxy.Metrics())
	return m
}

// Run drives the supervisor until ctx ends, then performs the ordered
// teardown of spec.md §5 and §7:
//
//  1. Cancel the control-plane's own context: the listener stops accepting
//     new connections and every connected control-plane peer (including any
//     in-flight resolveSerialId call) is stopped, which closes its
//     connection; a client still waiting on a call sees that call fail.
//  2. Only once that has fully drained, cancel the dongle controller's
//     context. Its own ctx.Done branch tears down the live generation —
//     every registered proxy (listener, then any active client session),
//     then the serial transport itself — before returning.
//  3. Run returns once both goroutines have exited, i.e. once every
//     goroutine the supervisor started ("the executor") has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	s.log.Info("control plane listening", "addr", s.Service.Addr())

	svcCtx, cancelSvc := context.WithCancel(ctx)
	dongleCtx, cancelDongle := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSvc()
	defer cancelDongle()

	svcDone := make(chan error, 1)
	dongleDone := make(chan error, 1)
	go func() { svcDone <- s.Service.Serve(svcCtx) }()
	go func() { dongleDone <- s.Dongle.Run(dongleCtx) }()

	<-ctx.Done()

	s.log.Info("shutting down: closing control plane")
	cancelSvc()
	if err := <-svcDone; err != nil {
		s.log.Warn("control plane exited with error", "error", err)
	}

	s.log.Info("shutting down: closing dongle")
	cancelDongle()
	if err := <-dongleDone; err != nil {
		s.log.Warn("dongle controller exited with error", "error", err)
	}

	s.log.Info("shutdown complete")
	return nil
}
