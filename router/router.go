// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package router implements the addressed packet demultiplexer that sits
// atop a single reliable framing transport (see the frame package) and
// dispatches packets by serial ID the same way dongleproxy.hpp's
// onBroadcast(Broadcast::receiveUnicast) did in the original daemon.
package router

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"

	"github.com/barobo/dongled/frame"
	"github.com/barobo/dongled/serialid"
	"github.com/creachadair/taskgroup"
)

// DongleGeneration is a monotonically increasing label stamped on every
// successful dongle acquisition. Proxies and pending operations remember
// the generation they were born under; a Router never delivers traffic
// across a generation boundary.
type DongleGeneration uint64

// EventPort is the reserved AddressedPacket port carrying RobotEvent
// broadcasts instead of RPC frames.
const EventPort uint8 = 0

// An AddressedPacket is the unit of traffic exchanged over the framing
// transport: a 4-byte serial ID, a logical port (0 reserved for robot
// events), and an opaque payload.
type AddressedPacket struct {
	Serial  serialid.SerialId
	Port    uint8
	Payload []byte
}

// Encode renders p in binary format: 4 bytes of serial ID, 1 byte of port,
// then the raw payload (the transport's own framing already delimits the
// message, so no further length prefix is needed here).
func (p AddressedPacket) Encode() []byte {
	buf := make([]byte, serialid.Len+1+len(p.Payload))
	copy(buf, p.Serial[:])
	buf[serialid.Len] = p.Port
	copy(buf[serialid.Len+1:], p.Payload)
	return buf
}

// DecodeAddressedPacket parses data produced by AddressedPacket.Encode.
func DecodeAddressedPacket(data []byte) (AddressedPacket, error) {
	var p AddressedPacket
	if len(data) < serialid.Len+1 {
		return p, fmt.Errorf("router: short addressed packet (%d bytes)", len(data))
	}
	copy(p.Serial[:], data[:serialid.Len])
	p.Port = data[serialid.Len]
	if rest := data[serialid.Len+1:]; len(rest) > 0 {
		p.Payload = rest
	}
	return p, nil
}

// A RobotEvent is the payload of a port-0 AddressedPacket: a robot powering
// on and announcing its version triplets (supplemented from
// common/include/baromesh/daemon.hpp's wire shape, dropped by the
// distilled packet model but present on the real wire).
type RobotEvent struct {
	Serial           serialid.SerialId
	FirmwareVersion  Version
	RpcVersion       Version
	InterfaceVersion Version
}

// Version is a (major, minor, patch) triplet.
type Version struct {
	Major, Minor, Patch uint8
}

// Encode/Decode for RobotEvent, used both internally (port-0 packets) and
// by daemon when it re-encodes the event as a control-plane broadcast.
func (e RobotEvent) Encode() []byte {
	buf := make([]byte, serialid.Len+9)
	copy(buf, e.Serial[:])
	putVersion := func(off int, v Version) {
		buf[off], buf[off+1], buf[off+2] = v.Major, v.Minor, v.Patch
	}
	putVersion(serialid.Len, e.FirmwareVersion)
	putVersion(serialid.Len+3, e.RpcVersion)
	putVersion(serialid.Len+6, e.InterfaceVersion)
	return buf
}

func DecodeRobotEvent(data []byte) (RobotEvent, error) {
	var e RobotEvent
	if len(data) < serialid.Len+9 {
		return e, fmt.Errorf("router: short robot event (%d bytes)", len(data))
	}
	copy(e.Serial[:], data[:serialid.Len])
	getVersion := func(off int) Version {
		return Version{Major: data[off], Minor: data[off+1], Patch: data[off+2]}
	}
	e.FirmwareVersion = getVersion(serialid.Len)
	e.RpcVersion = getVersion(serialid.Len + 3)
	e.InterfaceVersion = getVersion(serialid.Len + 6)
	return e, nil
}

// A Proxy is the subset of proxy.RobotProxy the Router needs in order to
// route inbound traffic and to detect an undead entry in its map.
type Proxy interface {
	// Endpoint reports the proxy's listening address, or an error if its
	// listener has died — the signal the router's undead-proxy rule acts on.
	Endpoint() (host string, port uint16, err error)

	// Generation reports the dongle generation the proxy was created under.
	Generation() DongleGeneration

	// Deliver hands an inbound payload (port != 0) to the proxy's client
	// session. It must not block.
	Deliver(payload []byte)

	// Close tears the proxy down; called by the router when its generation
	// ends or when it is found undead.
	Close() error
}

// Router owns the SerialId -> Proxy map and the single framing transport
// for the currently live dongle generation. Map mutations happen only
// inside the methods below, all of which take the same mutex, matching
// the single mutual-exclusion domain spec.md §4.3 requires.
type Router struct {
	log *slog.Logger

	mu      sync.Mutex
	proxies map[serialid.SerialId]Proxy
	gen     DongleGeneration
	xport   *frame.Transport

	// RobotEventHandler, if set, is invoked synchronously on the router's
	// dispatch goroutine whenever a port-0 packet decodes as a RobotEvent;
	// dispatch of later packets waits for it to return. The daemon package
	// sets this to fan the event out to control-plane clients.
	RobotEventHandler func(RobotEvent)

	tasks *taskgroup.Group

	metrics routerMetrics
}

type routerMetrics struct {
	delivered  expvar.Int
	dropped    expvar.Int
	events     expvar.Int
	emap       *expvar.Map
}

// New constructs an unstarted Router. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{log: log, proxies: make(map[serialid.SerialId]Proxy)}
	r.metrics.emap = new(expvar.Map)
	r.metrics.emap.Set("packets_delivered", &r.metrics.delivered)
	r.metrics.emap.Set("packets_dropped", &r.metrics.dropped)
	r.metrics.emap.Set("robot_events", &r.metrics.events)
	return r
}

// Metrics returns the router's expvar map.
func (r *Router) Metrics() *expvar.Map { return r.metrics.emap }

// Install makes xport the router's live transport for generation gen, and
// starts the inbound dispatch loop. Any previously installed transport is
// first uninstalled, draining its proxies the same way Uninstall does.
//
// onError, if non-nil, is invoked exactly once, on the dispatch goroutine,
// when xport.Receive ends with an error other than a clean close — this is
// the "outstanding receive" trap of the dongle lifecycle controller: the
// router's own read loop is the one outstanding Receive, and its failure is
// the fastest signal the controller has that the link is gone.
func (r *Router) Install(gen DongleGeneration, xport *frame.Transport, onError func(error)) {
	r.Uninstall()

	r.mu.Lock()
	r.gen = gen
	r.xport = xport
	r.mu.Unlock()

	r.tasks = taskgroup.New(nil)
	r.tasks.Go(func() error {
		ctx := context.Background()
		for {
			data, err := xport.Receive(ctx)
			if err != nil {
				if onError != nil && !errors.Is(err, frame.ErrOperationAborted) {
					onError(err)
				}
				return nil
			}
			r.dispatch(data)
		}
	})
}

// Uninstall tears down the router's current generation: every registered
// proxy transitions to Dead, the map is emptied, and the transport is
// closed. Proxy lifetime is thereby bounded by dongle generation lifetime.
func (r *Router) Uninstall() {
	r.mu.Lock()
	xport := r.xport
	proxies := r.proxies
	r.proxies = make(map[serialid.SerialId]Proxy)
	r.xport = nil
	r.mu.Unlock()

	for serial, p := range proxies {
		if err := p.Close(); err != nil {
			r.log.Warn("closing proxy on generation teardown", "serial", serial, "error", err)
		}
	}
	if xport != nil {
		xport.Close()
	}
	if r.tasks != nil {
		r.tasks.Wait()
	}
}

// Generation reports the router's current dongle generation.
func (r *Router) Generation() DongleGeneration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// Live reports whether the router currently has an installed transport.
func (r *Router) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.xport != nil
}

// Send addresses payload to serial on port and writes it to the live
// transport. It fails if no transport is installed.
func (r *Router) Send(ctx context.Context, serial serialid.SerialId, port uint8, payload []byte) error {
	r.mu.Lock()
	xport := r.xport
	r.mu.Unlock()
	if xport == nil {
		return errNoTransport
	}
	pkt := AddressedPacket{Serial: serial, Port: port, Payload: payload}
	return xport.Send(ctx, pkt.Encode())
}

var errNoTransport = fmt.Errorf("router: no live dongle transport")

// ErrNoTransport is returned by Send when no dongle generation is live.
var ErrNoTransport = errNoTransport

// Lookup returns the proxy registered for serial, if any.
func (r *Router) Lookup(serial serialid.SerialId) (Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[serial]
	return p, ok
}

// Resolve implements the undead-proxy rule: it returns the existing proxy
// for serial if its endpoint still responds, closing and erasing it first
// if not. The caller (daemon.resolveSerialId) uses the ok=false result to
// decide whether it must construct and register a fresh proxy.
func (r *Router) Resolve(serial serialid.SerialId) (p Proxy, ok bool) {
	r.mu.Lock()
	p, ok = r.proxies[serial]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	_, _, err := p.Endpoint()
	if err == nil {
		r.mu.Unlock()
		return p, true
	}
	delete(r.proxies, serial)
	r.mu.Unlock()

	r.log.Warn("terminating undead proxy", "serial", serial, "error", err)
	p.Close()
	return nil, false
}

// Register installs a freshly created proxy for serial. The caller must
// have already confirmed (via Resolve) that no live proxy exists.
func (r *Router) Register(serial serialid.SerialId, p Proxy) {
	r.mu.Lock()
	r.proxies[serial] = p
	r.mu.Unlock()
}

// Remove erases serial's entry if it still maps to p. It is a no-op if a
// newer proxy has since replaced p, which happens only if the caller races
// Register for the same serial — by contract (spec.md §4.4) it should not.
func (r *Router) Remove(serial serialid.SerialId, p Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.proxies[serial]; ok && cur == p {
		delete(r.proxies, serial)
	}
}

// Count reports the number of currently registered proxies.
func (r *Router) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

func (r *Router) dispatch(data []byte) {
	pkt, err := DecodeAddressedPacket(data)
	if err != nil {
		r.log.Warn("dropping malformed addressed packet", "error", err)
		r.metrics.dropped.Add(1)
		return
	}

	if pkt.Port == EventPort {
		event, err := DecodeRobotEvent(pkt.Payload)
		if err != nil {
			r.log.Warn("dropping malformed robot event", "serial", pkt.Serial, "error", err)
			r.metrics.dropped.Add(1)
			return
		}
		r.metrics.events.Add(1)
		if h := r.RobotEventHandler; h != nil {
			h(event)
		}
		return
	}

	p, ok := r.Lookup(pkt.Serial)
	if !ok {
		r.log.Info("dropping packet for unregistered serial", "serial", pkt.Serial, "port", pkt.Port)
		r.metrics.dropped.Add(1)
		return
	}
	r.metrics.delivered.Add(1)
	p.Deliver(pkt.Payload)
}
