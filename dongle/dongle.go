// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package dongle implements the dongle acquisition state machine: finding,
// opening and validating the USB device and keeping it live. It plays the
// role the original daemon's DaemonServer and its four-callback open/settle/
// handshake/connect chain played, re-architected as a single task driven by
// an explicit state enum, per transition table.
package dongle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/barobo/dongled/frame"
	"github.com/barobo/dongled/router"
	"github.com/barobo/dongled/status"
)

// State is a state of the dongle acquisition state machine.
type State int

const (
	Idle State = iota
	Opening
	Settling
	Handshaking
	Connecting
	Live
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Opening:
		return "Opening"
	case Settling:
		return "Settling"
	case Handshaking:
		return "Handshaking"
	case Connecting:
		return "Connecting"
	case Live:
		return "Live"
	case Cooldown:
		return "Cooldown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Default timing constants, named for the daemon's own timing constants
// (spec.md §6).
const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultSettleDelay       = 500 * time.Millisecond
	DefaultConnectTimeout    = 1000 * time.Millisecond
	DefaultErrorDowntime     = 500 * time.Millisecond
	DefaultBaudRate          = 230400
	DefaultKeepaliveInterval = 1000 * time.Millisecond
	DefaultRPCMajorVersion   = 1
)

// A Port is the raw byte stream a Controller frames messages over: an
// opened serial device, or a fake for tests.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// An Opener opens the device at path at the given baud rate.
type Opener interface {
	Open(ctx context.Context, path string, baudRate int) (Port, error)
}

// Controller runs the dongle acquisition state machine described by
// spec.md §4.1. It owns exactly one frame.Transport at a time and installs
// it on router for the duration of each Live generation.
type Controller struct {
	log    *slog.Logger
	router *router.Router
	finder DeviceFinder
	opener Opener

	pollInterval      time.Duration
	settleDelay       time.Duration
	connectTimeout    time.Duration
	errorDowntime     time.Duration
	keepaliveInterval time.Duration
	baudRate          int
	rpcMajorVersion   uint8

	events  chan status.Status
	cycleCh chan time.Duration

	mu    sync.Mutex
	state State
	gen   router.DongleGeneration

	xport     *frame.Transport
	liveErrCh chan error

	metrics *controllerMetrics
}

// Option configures a Controller constructed by New.
type Option func(*Controller)

func WithPollInterval(d time.Duration) Option      { return func(c *Controller) { c.pollInterval = d } }
func WithSettleDelay(d time.Duration) Option       { return func(c *Controller) { c.settleDelay = d } }
func WithConnectTimeout(d time.Duration) Option    { return func(c *Controller) { c.connectTimeout = d } }
func WithErrorDowntime(d time.Duration) Option     { return func(c *Controller) { c.errorDowntime = d } }
func WithKeepaliveInterval(d time.Duration) Option { return func(c *Controller) { c.keepaliveInterval = d } }
func WithBaudRate(n int) Option                    { return func(c *Controller) { c.baudRate = n } }
func WithRPCMajorVersion(v uint8) Option           { return func(c *Controller) { c.rpcMajorVersion = v } }
func WithDeviceFinder(f DeviceFinder) Option       { return func(c *Controller) { c.finder = f } }
func WithOpener(o Opener) Option                   { return func(c *Controller) { c.opener = o } }

// New constructs a Controller that installs successfully acquired dongle
// generations onto r. If log is nil, slog.Default() is used.
func New(log *slog.Logger, r *router.Router, opts ...Option) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:               log,
		router:            r,
		finder:            USBFilter(defaultVendorID, defaultProductID),
		opener:            serialOpener{},
		pollInterval:      DefaultPollInterval,
		settleDelay:       DefaultSettleDelay,
		connectTimeout:    DefaultConnectTimeout,
		errorDowntime:     DefaultErrorDowntime,
		keepaliveInterval: DefaultKeepaliveInterval,
		baudRate:          DefaultBaudRate,
		rpcMajorVersion:   DefaultRPCMajorVersion,
		events:            make(chan status.Status, 16),
		cycleCh:           make(chan time.Duration, 1),
		metrics:           newControllerMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the channel of normalised dongleEvent broadcasts. It is
// closed when Run returns.
func (c *Controller) Events() <-chan status.Status { return c.events }

// State reports the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation reports the most recently started dongle generation, whether
// or not it is still Live.
func (c *Controller) Generation() router.DongleGeneration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// CycleDongle forces the controller into Cooldown for d, tearing down the
// current generation if one is Live. A zero duration means "cycle now,
// minimal cooldown" rather than "cycle never" (daemonserver.hpp's
// cycleDongle(0) semantics). If the controller is not currently Live or
// Cooldown, the request is dropped; the previous generation, if any, has
// already ended.
func (c *Controller) CycleDongle(d time.Duration) {
	if s := c.State(); s != Live && s != Cooldown {
		return
	}
	for {
		select {
		case c.cycleCh <- d:
			return
		default:
			select {
			case <-c.cycleCh:
			default:
			}
		}
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) emit(ctx context.Context, s status.Status) {
	select {
	case c.events <- s:
	case <-ctx.Done():
	}
}

func statusPtr(s status.Status) *status.Status { return &s }

// Run drives the state machine until ctx is cancelled, then performs an
// orderly teardown of whatever generation is live and returns nil. It is
// meant to be run on its own goroutine by the supervisor.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.events)

	state := Idle
	for {
		if ctx.Err() != nil {
			c.setState(Idle)
			return nil
		}
		switch state {
		case Idle:
			state = Opening
		case Opening:
			state = c.doOpening(ctx)
		case Settling:
			state = c.doSettling(ctx)
		case Handshaking:
			state = c.doHandshaking(ctx)
		case Connecting:
			state = c.doConnecting(ctx)
		default:
			// Live and Cooldown are entered and fully driven inside
			// doConnecting/doLive/doCooldown; this state is never
			// observed here.
			state = Idle
		}
	}
}

func (c *Controller) doOpening(ctx context.Context) State {
	c.setState(Opening)

	path, err := c.finder.FindDevicePath()
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return c.doCooldown(ctx, c.pollInterval, nil)
		}
		c.log.Warn("dongle device discovery failed", "error", err)
		return c.doCooldown(ctx, c.pollInterval, statusPtr(status.CannotOpenDongle))
	}

	port, err := c.opener.Open(ctx, path, c.baudRate)
	if err != nil {
		c.log.Warn("opening dongle device failed", "path", path, "error", err)
		return c.doCooldown(ctx, c.pollInterval, statusPtr(status.CannotOpenDongle))
	}

	c.xport = frame.New(port)
	return Settling
}

func (c *Controller) doSettling(ctx context.Context) State {
	c.setState(Settling)
	select {
	case <-time.After(c.settleDelay):
		return Handshaking
	case <-ctx.Done():
		c.xport.Close()
		c.xport = nil
		return Idle
	}
}

func (c *Controller) doHandshaking(ctx context.Context) State {
	c.setState(Handshaking)

	hctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	err := c.xport.Connect(hctx)
	cancel()
	if err != nil {
		c.xport.Close()
		c.xport = nil
		if errors.Is(err, frame.ErrOperationAborted) {
			return Idle
		}
		c.metrics.handshakeFailures.Add(1)
		c.log.Warn("dongle handshake failed", "error", err)
		return c.doCooldown(ctx, c.errorDowntime, statusPtr(status.StrangeDongle))
	}
	return Connecting
}

func (c *Controller) doConnecting(ctx context.Context) State {
	c.setState(Connecting)

	cctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	_, err := versionHandshake(cctx, c.xport, c.rpcMajorVersion)
	cancel()
	if err != nil {
		c.xport.Close()
		c.xport = nil
		if errors.Is(err, frame.ErrOperationAborted) {
			return Idle
		}
		st := status.StrangeDongle
		if errors.Is(err, errVersionMismatch) {
			st = status.DongleVersionMismatch
		}
		c.metrics.handshakeFailures.Add(1)
		c.log.Warn("dongle connect failed", "error", err, "status", st)
		return c.doCooldown(ctx, c.errorDowntime, statusPtr(st))
	}

	c.metrics.acquisitions.Add(1)
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.liveErrCh = make(chan error, 1)
	c.router.Install(gen, c.xport, func(err error) {
		select {
		case c.liveErrCh <- err:
		default:
		}
	})
	c.emit(ctx, status.OK)
	return c.doLive(ctx, gen)
}

func (c *Controller) doLive(ctx context.Context, gen router.DongleGeneration) State {
	c.setState(Live)

	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	teardown := func() {
		c.router.Uninstall()
		c.xport = nil
	}

	for {
		select {
		case <-ctx.Done():
			teardown()
			return Idle

		case d := <-c.cycleCh:
			teardown()
			return c.doCooldown(ctx, d, nil)

		case err := <-c.liveErrCh:
			teardown()
			if errors.Is(err, frame.ErrOperationAborted) {
				return Idle
			}
			c.log.Warn("dongle link failed", "generation", gen, "error", err)
			return c.doCooldown(ctx, c.errorDowntime, statusPtr(status.DongleNotFound))

		case <-ticker.C:
			kctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
			err := c.xport.Keepalive(kctx)
			cancel()
			if err != nil {
				teardown()
				if errors.Is(err, frame.ErrOperationAborted) {
					return Idle
				}
				c.metrics.keepaliveFailures.Add(1)
				c.log.Warn("dongle keepalive failed", "generation", gen, "error", err)
				return c.doCooldown(ctx, c.errorDowntime, statusPtr(status.DongleNotFound))
			}
		}
	}
}

func (c *Controller) doCooldown(ctx context.Context, d time.Duration, ev *status.Status) State {
	c.setState(Cooldown)
	c.metrics.cooldowns.Add(1)
	if ev != nil {
		c.emit(ctx, *ev)
	}
	if d <= 0 {
		return Opening
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Opening
	case <-ctx.Done():
		return Idle
	case d2 := <-c.cycleCh:
		return c.doCooldown(ctx, d2, nil)
	}
}
