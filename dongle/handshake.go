// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package dongle

import (
	"context"
	"errors"
	"fmt"

	"github.com/barobo/dongled/frame"
	"github.com/barobo/dongled/router"
)

// helloMagic tags the version-query message sent once a frame.Transport has
// completed its handshake. It plays the role daemon.hpp's connect request
// played in the original daemon: the first RPC exchanged over the link,
// used to learn the dongle's version triplet and validate compatibility
// before any robot traffic is allowed to flow.
const helloMagic = "DONGLE-HELLO"

// errVersionMismatch distinguishes an incompatible RPC major version from
// every other handshake failure, so doConnecting can map it to
// status.DongleVersionMismatch instead of status.StrangeDongle.
var errVersionMismatch = errors.New("dongle: rpc major version mismatch")

// versionHandshake performs the "issue RPC connect" step of the Connecting
// state: it asks the dongle for its version triplet and validates that its
// RPC major version matches wantMajor.
func versionHandshake(ctx context.Context, xport *frame.Transport, wantMajor uint8) (router.Version, error) {
	if err := xport.Send(ctx, []byte(helloMagic)); err != nil {
		return router.Version{}, fmt.Errorf("dongle: sending hello: %w", err)
	}

	data, err := xport.Receive(ctx)
	if err != nil {
		return router.Version{}, fmt.Errorf("dongle: receiving hello reply: %w", err)
	}
	if len(data) < 3 {
		return router.Version{}, fmt.Errorf("dongle: hello reply too short (%d bytes)", len(data))
	}

	v := router.Version{Major: data[0], Minor: data[1], Patch: data[2]}
	if v.Major != wantMajor {
		return v, fmt.Errorf("%w: dongle reports %d.%d.%d, want major %d", errVersionMismatch, v.Major, v.Minor, v.Patch, wantMajor)
	}
	return v, nil
}
