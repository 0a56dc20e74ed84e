// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package daemon

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/barobo/dongled/dongle"
	"github.com/barobo/dongled/proxy"
	"github.com/barobo/dongled/router"
	"github.com/barobo/dongled/serialid"
	"github.com/barobo/dongled/status"
)

// pingPort is the AddressedPacket port sendRobotPing addresses. It is
// distinct from router.EventPort (robot event broadcasts) and proxy's own
// RPC-forwarding port, so a ping never lands on a client's proxy session.
const pingPort uint8 = 2

// resolveResponse is the wire payload of a successful resolveSerialId call:
// a 16-byte null-terminated address followed by a big-endian uint16 port.
type resolveResponse struct {
	address [addressCapacity]byte
	port    uint16
}

func (r resolveResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, addressCapacity+2)
	copy(buf[:addressCapacity], r.address[:])
	binary.BigEndian.PutUint16(buf[addressCapacity:], r.port)
	return buf, nil
}

func encodeAddress(host string, port uint16) (resolveResponse, error) {
	var r resolveResponse
	if len(host)+1 > addressCapacity {
		return r, status.New(status.BufferOverflow, "address %q exceeds %d-byte capacity", host, addressCapacity)
	}
	copy(r.address[:], host)
	r.port = port
	return r, nil
}

// handleResolveSerialId implements spec.md §4.5's resolveSerialId: it
// returns the existing proxy's endpoint if one is live for the serial,
// erasing and replacing it first if it is found undead, or creates a fresh
// proxy if none exists. A non-Live dongle fails immediately without
// creating anything, per spec.md's resolution of the resolveSerialId versus
// cycleDongle race: no waiting for a future generation.
func (s *Service) handleResolveSerialId(ctx context.Context, data []byte) (resolveResponse, error) {
	id, err := serialid.Parse(string(data))
	if err != nil {
		return resolveResponse{}, status.New(status.InvalidSerialId, "%v", err)
	}

	if s.dongle.State() != dongle.Live {
		return resolveResponse{}, status.New(status.DongleNotFound, "no live dongle")
	}
	gen := s.dongle.Generation()

	type result struct {
		resp resolveResponse
		err  error
	}
	resc := make(chan result, 1)
	err = s.run(ctx, func() {
		resp, rerr := s.resolveOnStrand(id, gen)
		resc <- result{resp, rerr}
	})
	if err != nil {
		return resolveResponse{}, status.New(status.OperationAborted, "resolveSerialId canceled")
	}

	select {
	case r := <-resc:
		return r.resp, r.err
	case <-ctx.Done():
		return resolveResponse{}, status.New(status.OperationAborted, "resolveSerialId canceled")
	}
}

// resolveOnStrand does the actual map lookup/creation. It runs only on the
// service's control strand, so it never races a proxy's completion
// callback or a concurrent resolveSerialId for the same serial.
func (s *Service) resolveOnStrand(id serialid.SerialId, gen router.DongleGeneration) (resolveResponse, error) {
	if p, ok := s.router.Resolve(id); ok {
		host, port, err := p.Endpoint()
		if err != nil {
			// Resolve just confirmed the endpoint was live; treat a failure
			// here as a fresh undead sighting and fall through to recreate.
			s.router.Remove(id, p)
		} else {
			return encodeAddress(host, port)
		}
	}

	p, err := proxy.New(s.ctx, s.log, s.router, id, gen, s.onProxyDone)
	if err != nil {
		return resolveResponse{}, status.New(status.OtherError, "creating proxy: %v", err)
	}
	s.router.Register(id, p)

	host, port, err := p.Endpoint()
	if err != nil {
		return resolveResponse{}, status.New(status.OtherError, "new proxy endpoint: %v", err)
	}
	return encodeAddress(host, port)
}

// onProxyDone is the completion callback proxy.New invokes exactly once
// when a proxy's accept loop ends. It removes the proxy from the router map
// on the control strand, per spec.md §4.4's serialization requirement.
func (s *Service) onProxyDone(p *proxy.RobotProxy) {
	select {
	case s.strand <- func() { s.router.Remove(p.Serial(), p) }:
	case <-s.ctx.Done():
	}
}

// handleSendRobotPing implements sendRobotPing: it addresses a ping packet
// to every listed serial over the router's live transport. Any I/O failure
// also schedules a dongle cycle, since a wedged link will not clear itself.
func (s *Service) handleSendRobotPing(ctx context.Context, data []byte) error {
	if len(data)%serialid.Len != 0 {
		return status.New(status.InvalidSerialId, "serial list length %d is not a multiple of %d", len(data), serialid.Len)
	}
	if s.dongle.State() != dongle.Live {
		return status.New(status.DongleNotFound, "no live dongle")
	}

	for off := 0; off < len(data); off += serialid.Len {
		id, err := serialid.Parse(string(data[off : off+serialid.Len]))
		if err != nil {
			return status.New(status.InvalidSerialId, "%v", err)
		}
		if err := s.router.Send(ctx, id, pingPort, nil); err != nil {
			s.dongle.CycleDongle(dongle.DefaultErrorDowntime)
			return status.New(status.DongleNotFound, "ping %s: %v", id, err)
		}
	}
	return nil
}

// handleCycleDongle implements cycleDongle: it forces the lifecycle
// controller into Cooldown for the given duration. Zero means "cycle now,
// minimal cooldown" (dongle.Controller.CycleDongle's own semantics).
func (s *Service) handleCycleDongle(ctx context.Context, data []byte) error {
	if len(data) != 4 {
		return status.New(status.OtherError, "cycleDongle payload must be 4 bytes, got %d", len(data))
	}
	seconds := binary.BigEndian.Uint32(data)
	s.dongle.CycleDongle(time.Duration(seconds) * time.Second)
	return nil
}
