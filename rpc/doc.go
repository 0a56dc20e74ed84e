// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package rpc implements the request/response transport shared by the
// daemon's control plane and its per-robot proxy sessions.
//
// The wire schema a robot speaks is out of scope for this daemon (spec.md
// §1); rpc instead provides the *shape* that schema takes on any client
// connection: a Peer exchanges Request/Response/Cancel packets with one
// remote endpoint over a Channel, dispatching inbound requests to
// registered Handlers and matching inbound responses back to outstanding
// outbound calls.
//
// # Peers
//
// The core type is Peer. A zero Peer is unstarted; Start binds it to a
// Channel and begins servicing it until Stop is called, the channel
// closes, or a protocol fatal error occurs.
//
//	p := rpc.NewPeer()
//	p.Start(ch)
//	defer p.Stop()
//
// # Calls
//
// Handle registers a handler for inbound requests by method ID:
//
//	p.Handle(1, func(ctx context.Context, req *rpc.Request) ([]byte, error) {
//	    return req.Data, nil
//	})
//
// Call issues a request to the remote peer and blocks for the response:
//
//	rsp, err := p.Call(ctx, 1, []byte("ping"))
//
// # Broadcasts
//
// SendPacket/HandlePacket exchange packet types outside the reserved
// request/response/cancel range (>= 128); the daemon control service uses
// these for its dongleEvent and robotEvent broadcasts.
package rpc
