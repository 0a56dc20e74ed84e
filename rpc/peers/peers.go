// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"net"

	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/rpc/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *rpc.Peer
	B *rpc.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: new(rpc.Peer).Start(a2b),
		B: new(rpc.Peer).Start(b2a),
	}
}

// Accepter is the minimal listener interface daemon.Service.acceptLoop and
// proxy.RobotProxy.acceptLoop drive by hand: each needs its own
// per-connection bookkeeping (peer-set membership for control-plane
// broadcasts, single-active-session enforcement for a robot proxy) that a
// shared accept-and-dispatch loop can't express, so neither calls a generic
// Loop helper — only NetAccepter is common to both.
type Accepter interface {
	Accept(context.Context) (rpc.Channel, error)
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (rpc.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
