// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package proxy

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/router"
	"github.com/barobo/dongled/serialid"
)

// sendTimeout bounds how long a routedChannel.Send waits for the dongle
// link to accept one outbound frame; the framing transport itself already
// retries within this budget, so a timeout here means the link is wedged,
// not merely slow.
const sendTimeout = 5 * time.Second

// routedChannel is an rpc.Channel whose Send addresses the router with a
// proxy's serial and assigned logical port, and whose Recv reads from the
// queue the router feeds via Deliver. It is the proxy's half of the
// bridge between a client's TCP session and the shared dongle link — the
// same role protocolTransport plays bridging a socket to a shared wire in
// RoanBrand-SerialToTCPBridgeProtocol, generalized to Chirp-shaped framing.
type routedChannel struct {
	router *router.Router
	serial serialid.SerialId
	port   uint8

	mu       sync.Mutex
	inbound  chan []byte
	closed   bool
}

func newRoutedChannel(r *router.Router, serial serialid.SerialId, port uint8) *routedChannel {
	return &routedChannel{
		router:  r,
		serial:  serial,
		port:    port,
		inbound: make(chan []byte, 8),
	}
}

// Send implements a method of the [rpc.Channel] interface.
func (c *routedChannel) Send(pkt *rpc.Packet) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.router.Send(ctx, c.serial, c.port, pkt.Encode())
}

// Recv implements a method of the [rpc.Channel] interface.
func (c *routedChannel) Recv() (*rpc.Packet, error) {
	data, ok := <-c.inbound
	if !ok {
		return nil, net.ErrClosed
	}
	var pkt rpc.Packet
	if _, err := pkt.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [rpc.Channel] interface.
func (c *routedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// deliverFromRouter hands payload, received from the router's dispatch
// loop, to whatever goroutine is blocked in Recv. It never blocks: a slow
// or absent reader drops the oldest buffered message rather than stalling
// the router's single dispatch goroutine.
func (c *routedChannel) deliverFromRouter(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbound <- payload:
	default:
		select {
		case <-c.inbound:
		default:
		}
		select {
		case c.inbound <- payload:
		default:
		}
	}
}
