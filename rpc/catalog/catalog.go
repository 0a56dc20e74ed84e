// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package catalog defines a mapping from mnemonic string names to method IDs
// for use with a rpc.Peer, so callers can write "resolveSerialId" rather than
// tracking numeric method IDs by hand.
//
// # Usage
//
// Construct a new empty catalog and add methods to it:
//
//	cat := catalog.New().Add("foo", "bar", "baz")
//
// Method IDs are assigned systematically, so that repeating the same sequence
// of Add calls will always result in the same method IDs.
//
// To associate a catalog with a specific peer, use Bind. This creates a copy
// of the catalog sharing the same methods but a (possibly) different peer:
//
//	cat2 := cat.Bind(p)
//
// On a peer that implements these methods, use Handle:
//
//	cat.Bind(peer1).
//	  Handle("foo", handleFoo).
//	  Handle("bar", handleBar)
//
// Note that Handle will panic if given a name not registered with the catalog.
//
// On a peer that wants to call these methods, use Call:
//
//	rsp, err := cat.Bind(peer2).Call(ctx, "foo", data)
package catalog

import (
	"context"
	"fmt"

	"github.com/barobo/dongled/rpc"
)

// A Catalog associates a peer with a static mapping from method names to IDs
// for use with that peer.
type Catalog struct {
	peer    *rpc.Peer
	methods map[string]uint32
}

// New creates a new empty, unbound catalog to map names to method IDs.  It is
// safe to copy the resulting value, all copies share a reference to the same
// name to ID mapping.
func New() Catalog { return Catalog{methods: make(map[string]uint32)} }

// Add adds the specified names to c with fresh positive IDs, and returns c to
// allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.set(name, c.pickUnusedID())
	}
	return c
}

func (c Catalog) set(name string, methodID uint32) { c.methods[name] = methodID }

func (c Catalog) pickUnusedID() uint32 {
	var max uint32
	for _, id := range c.methods {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Bind returns a copy of c bound to the specified peer.
func (c Catalog) Bind(peer *rpc.Peer) Catalog { return Catalog{peer: peer, methods: c.methods} }

// Call calls the method bound to name on the remote peer.
// If name is not known in the catalog, Call uses method ID 0.
// Call will panic if c is not bound to a peer.
func (c Catalog) Call(ctx context.Context, name string, data []byte) (*rpc.Response, error) {
	return c.peer.Call(ctx, c.methods[name], data)
}

// Handle binds the specified method to the peer associated with c,
// and returns c to permit chaining.
// Handle will panic if c is not bound to a peer, or if name is not a method
// name known by the catalog.
func (c Catalog) Handle(name string, handler rpc.Handler) Catalog {
	methodID, ok := c.methods[name]
	if !ok {
		panic(fmt.Sprintf("method %q not known", name))
	}
	c.peer.Handle(methodID, handler)
	return c
}
