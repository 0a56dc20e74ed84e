// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package proxy implements the per-robot TCP fabric: one listener per
// acquired serial ID, bridging an accepted client's RPC session to the
// shared dongle link through the router. It plays the role
// dongleproxy.hpp's DongleProxy played in the original daemon, minus the
// broadcast dispatch that package now delegates to the router.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/rpc/peers"
	"github.com/barobo/dongled/router"
	"github.com/barobo/dongled/serialid"
	"github.com/creachadair/taskgroup"
)

// ProxyState is a state of a RobotProxy, per spec.md §4.4.
type ProxyState int

const (
	// Listening: the TCP listener is open, no client session is active.
	Listening ProxyState = iota
	// Active: exactly one client session is being bridged to the robot.
	Active
	// Draining: Close has been called; the listener and any active
	// session are being torn down.
	Draining
	// Dead: the proxy's listener is gone and it has removed itself, or is
	// about to remove itself, from the router.
	Dead
)

func (s ProxyState) String() string {
	switch s {
	case Listening:
		return "Listening"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	case Dead:
		return "Dead"
	default:
		return fmt.Sprintf("ProxyState(%d)", int(s))
	}
}

// proxyPort is the single AddressedPacket port a RobotProxy uses for RPC
// traffic. Port 0 (router.EventPort) is reserved for robot event
// broadcasts and is never delivered to a proxy.
const proxyPort uint8 = 1

// RobotProxy bridges TCP clients to one serial ID's dongle link. It
// implements router.Proxy.
type RobotProxy struct {
	log      *slog.Logger
	serial   serialid.SerialId
	gen      router.DongleGeneration
	router   *router.Router
	listener net.Listener
	port     uint16
	onDone   func(*RobotProxy)

	mu     sync.Mutex
	state  ProxyState
	active *routedChannel

	tasks     *taskgroup.Group
	closeOnce sync.Once
}

// New opens a TCP listener on an ephemeral loopback port for serial, and
// starts its accept loop. onDone, if non-nil, is invoked exactly once, off
// the caller's goroutine, when the proxy's accept loop ends for any
// reason — the completion callback spec.md §4.4 uses to remove the proxy
// from the router map.
func New(ctx context.Context, log *slog.Logger, r *router.Router, serial serialid.SerialId, gen router.DongleGeneration, onDone func(*RobotProxy)) (*RobotProxy, error) {
	if log == nil {
		log = slog.Default()
	}
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("proxy: listen: %w", err)
	}
	addr := lst.Addr().(*net.TCPAddr)

	p := &RobotProxy{
		log:      log,
		serial:   serial,
		gen:      gen,
		router:   r,
		listener: lst,
		port:     uint16(addr.Port),
		state:    Listening,
		onDone:   onDone,
	}
	p.tasks = taskgroup.New(nil)
	p.tasks.Go(func() error { return p.acceptLoop(ctx) })
	proxyMetrics.created.Add(1)
	return p, nil
}

// Endpoint implements a method of the router.Proxy interface.
func (p *RobotProxy) Endpoint() (string, uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Dead {
		return "", 0, fmt.Errorf("proxy: %s is dead", p.serial)
	}
	return "127.0.0.1", p.port, nil
}

// Generation implements a method of the router.Proxy interface.
func (p *RobotProxy) Generation() router.DongleGeneration { return p.gen }

// Serial reports the robot serial ID this proxy was created for.
func (p *RobotProxy) Serial() serialid.SerialId { return p.serial }

// Deliver implements a method of the router.Proxy interface. A packet
// arriving while no client session is active has nowhere to go and is
// dropped; clients that care about missed traffic should reconnect and
// re-query robot state.
func (p *RobotProxy) Deliver(payload []byte) {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if active == nil {
		p.log.Debug("proxy dropping inbound packet: no active client session", "serial", p.serial)
		return
	}
	active.deliverFromRouter(payload)
}

// Close implements a method of the router.Proxy interface. It closes the
// listener, then the active client session if there is one, and waits for
// the accept loop to end.
func (p *RobotProxy) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = Draining
		active := p.active
		p.mu.Unlock()
		p.listener.Close()
		if active != nil {
			active.Close()
		}
		p.tasks.Wait()
	})
	return nil
}

func (p *RobotProxy) markDead() {
	p.mu.Lock()
	already := p.state == Dead
	p.state = Dead
	p.mu.Unlock()
	if !already {
		proxyMetrics.closed.Add(1)
		if p.onDone != nil {
			p.onDone(p)
		}
	}
}

// acceptLoop is a context-aware accept loop over peers.NetAccepter, one
// goroutine per connection, joined on exit — but unlike the control-plane
// service's acceptLoop it does not start an rpc.Peer per connection: a proxy
// forwards opaque RPC frames, it does not dispatch methods locally. Local
// dispatch belongs to the daemon control-plane service.
func (p *RobotProxy) acceptLoop(ctx context.Context) error {
	defer p.markDead()

	acc := peers.NetAccepter(p.listener)
	sessions := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			sessions.Wait()
			return nil
		}
		sessions.Go(func() error {
			p.serve(ch)
			return nil
		})
	}
}

// serve bridges one accepted client connection to the robot for as long
// as both ends stay healthy, then releases the proxy back to Listening so
// a subsequent client can connect. Only one client session is served at a
// time, matching the singular Active(client_session) state.
func (p *RobotProxy) serve(client rpc.Channel) {
	defer client.Close()

	robot := newRoutedChannel(p.router, p.serial, proxyPort)
	if !p.setActive(robot) {
		robot.Close()
		p.log.Info("proxy rejecting additional client session", "serial", p.serial)
		return
	}
	defer func() {
		p.clearActive(robot)
		robot.Close()
	}()
	proxyMetrics.sessions.Add(1)

	g := taskgroup.New(nil)
	g.Go(func() error { return pumpPackets(client, robot) })
	g.Go(func() error { return pumpPackets(robot, client) })
	if err := g.Wait(); err != nil && !isBenignCloseError(err) {
		p.log.Warn("proxy client session ended", "serial", p.serial, "error", err)
	}
}

func (p *RobotProxy) setActive(ch *routedChannel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Dead || p.state == Draining || p.active != nil {
		return false
	}
	p.active = ch
	p.state = Active
	return true
}

func (p *RobotProxy) clearActive(ch *routedChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == ch {
		p.active = nil
		if p.state == Active {
			p.state = Listening
		}
	}
}

// pumpPackets relays rpc.Packets from one channel to the other, verbatim,
// until either side fails. It never interprets payload: a proxy forwards
// opaque RPC frames exactly as spec.md §4.4 requires.
func pumpPackets(from, to rpc.Channel) error {
	for {
		pkt, err := from.Recv()
		if err != nil {
			to.Close()
			return err
		}
		if err := to.Send(pkt); err != nil {
			from.Close()
			return err
		}
	}
}

func isBenignCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
