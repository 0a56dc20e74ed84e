// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package daemon implements the control-plane RPC service: the well-known
// endpoint clients dial to resolve a robot's serial ID to a proxy address,
// ping robots, force a dongle cycle, and receive dongleEvent/robotEvent
// broadcasts. It plays the role daemonserver.hpp played in the original
// daemon, rebuilt on the rpc package the way cmd/chirp wires a Peer to a
// catalog of typed handlers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/barobo/dongled/dongle"
	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/rpc/catalog"
	"github.com/barobo/dongled/rpc/handler"
	"github.com/barobo/dongled/rpc/peers"
	"github.com/barobo/dongled/router"
	"github.com/creachadair/taskgroup"
)

// DefaultAddr is the well-known control-plane endpoint of spec.md §6.
const DefaultAddr = "127.0.0.1:42000"

// addressCapacity is the null-terminated capacity of resolveSerialId's
// address field (spec.md §6): 15 usable bytes plus a trailing NUL.
const addressCapacity = 16

var controlCatalog = catalog.New().Add("resolveSerialId", "sendRobotPing", "cycleDongle")

// Broadcast packet types, in the reserved (>= 128) range chirp.PacketType
// documents for caller-defined use. A control-plane client registers
// handlers for these via (*rpc.Peer).HandlePacket.
const (
	PacketTypeDongleEvent rpc.PacketType = 128
	PacketTypeRobotEvent  rpc.PacketType = 129
)

// Service is the control-plane RPC server. One Service serves every
// control-plane client connection and owns the router's proxy-map mutation
// strand: proxy creation (resolveSerialId) and proxy removal (a proxy's
// completion callback) are both serialized through it, so the router's
// invariants hold without holding its own lock across a listener creation.
type Service struct {
	log    *slog.Logger
	router *router.Router
	dongle *dongle.Controller
	addr   string

	strand chan func()

	peersMu sync.Mutex
	peers   map[*rpc.Peer]struct{}

	listener net.Listener
	ctx      context.Context // set once by Serve, read by resolveSerialId's proxy.New calls
}

// New constructs a Service. If log is nil, slog.Default() is used. If addr
// is empty, DefaultAddr is used.
func New(log *slog.Logger, r *router.Router, d *dongle.Controller, addr string) *Service {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Service{
		log:    log,
		router: r,
		dongle: d,
		addr:   addr,
		strand: make(chan func()),
		peers:  make(map[*rpc.Peer]struct{}),
	}
	r.RobotEventHandler = func(e router.RobotEvent) {
		s.broadcast(PacketTypeRobotEvent, e.Encode())
	}
	return s
}

// Listen opens the service's control listener without serving it yet. It
// is split from Serve so tests (and a supervisor reporting readiness) can
// learn the bound address, especially when addr requests an ephemeral
// port. Serve calls it automatically if it has not already been called.
func (s *Service) Listen() error {
	if s.listener != nil {
		return nil
	}
	lst, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", s.addr, err)
	}
	s.listener = lst
	return nil
}

// Addr reports the control listener's bound address. Valid only after
// Listen or Serve has been called.
func (s *Service) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the control plane until ctx ends. It then closes the listener,
// stops every connected control-plane peer, and returns once its goroutines
// have exited.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.ctx = ctx
	s.log.Info("control plane listening", "addr", s.listener.Addr())

	tasks := taskgroup.New(nil)
	tasks.Go(func() error { s.runStrand(ctx); return nil })
	tasks.Go(func() error { s.runDongleEvents(ctx); return nil })
	tasks.Go(func() error { return s.acceptLoop(ctx, s.listener) })

	<-ctx.Done()
	s.listener.Close()
	s.peersMu.Lock()
	connected := make([]*rpc.Peer, 0, len(s.peers))
	for p := range s.peers {
		connected = append(connected, p)
	}
	s.peersMu.Unlock()
	for _, p := range connected {
		p.Stop()
	}
	tasks.Wait()
	return nil
}

// runStrand drains closures submitted by resolveSerialId and proxy
// completion callbacks, one at a time, until ctx ends. This is the "no
// locks held across suspension" rule of spec.md §5 translated into a single
// goroutine owning every router proxy-map mutation.
func (s *Service) runStrand(ctx context.Context) {
	for {
		select {
		case fn := <-s.strand:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// run submits fn to the control strand and blocks until the strand has taken
// it, or ctx ends first. It does not wait for fn to finish; callers that need
// fn's result wait for it themselves.
func (s *Service) run(ctx context.Context, fn func()) error {
	select {
	case s.strand <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runDongleEvents forwards every status the dongle controller reports as a
// dongleEvent broadcast. Because the controller emits from a single
// goroutine in strict transition order, broadcasts stay totally ordered
// with respect to the generation changes that caused them.
func (s *Service) runDongleEvents(ctx context.Context) {
	for {
		select {
		case st, ok := <-s.dongle.Events():
			if !ok {
				return
			}
			s.broadcast(PacketTypeDongleEvent, []byte{byte(st)})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) acceptLoop(ctx context.Context, lst net.Listener) error {
	acc := peers.NetAccepter(lst)
	sessions := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			sessions.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		sessions.Go(func() error {
			peer := s.newControlPeer().Start(ch)
			s.addPeer(peer)
			defer s.removePeer(peer)
			return peer.Wait()
		})
	}
}

func (s *Service) newControlPeer() *rpc.Peer {
	peer := rpc.NewPeer()
	controlCatalog.Bind(peer).
		Handle("resolveSerialId", handler.ParamResultError(s.handleResolveSerialId)).
		Handle("sendRobotPing", handler.ParamError(s.handleSendRobotPing)).
		Handle("cycleDongle", handler.ParamError(s.handleCycleDongle))
	return peer
}

func (s *Service) addPeer(p *rpc.Peer) {
	s.peersMu.Lock()
	s.peers[p] = struct{}{}
	s.peersMu.Unlock()
}

func (s *Service) removePeer(p *rpc.Peer) {
	s.peersMu.Lock()
	delete(s.peers, p)
	s.peersMu.Unlock()
}

func (s *Service) broadcast(ptype rpc.PacketType, payload []byte) {
	s.peersMu.Lock()
	targets := make([]*rpc.Peer, 0, len(s.peers))
	for p := range s.peers {
		targets = append(targets, p)
	}
	s.peersMu.Unlock()

	for _, p := range targets {
		if err := p.SendPacket(ptype, payload); err != nil {
			s.log.Debug("broadcast delivery failed", "ptype", ptype, "error", err)
		}
	}
}
