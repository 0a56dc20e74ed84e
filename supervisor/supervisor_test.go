// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package supervisor_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/barobo/dongled/dongle"
	"github.com/barobo/dongled/frame"
	"github.com/barobo/dongled/frame/frametest"
	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/rpc/catalog"
	"github.com/barobo/dongled/rpc/channel"
	"github.com/barobo/dongled/serialid"
	"github.com/barobo/dongled/supervisor"
	"github.com/fortytw2/leaktest"
)

var clientCatalog = catalog.New().Add("resolveSerialId", "sendRobotPing", "cycleDongle")

type fakeFinder struct{ path string }

func (f *fakeFinder) FindDevicePath() (string, error) { return f.path, nil }

type fakeOpener struct{ port dongle.Port }

func (o *fakeOpener) Open(context.Context, string, int) (dongle.Port, error) { return o.port, nil }

func runFakeDongle(t *testing.T, stream io.ReadWriteCloser) *frame.Transport {
	t.Helper()
	xport := frame.New(stream)
	go func() {
		ctx := context.Background()
		if err := xport.Connect(ctx); err != nil {
			return
		}
		for {
			data, err := xport.Receive(ctx)
			if err != nil {
				return
			}
			if string(data) == "DONGLE-HELLO" {
				xport.Send(ctx, []byte{1, 0, 0})
			}
		}
	}()
	return xport
}

func newTestSupervisor(t *testing.T) (*supervisor.Supervisor, *frame.Transport) {
	t.Helper()
	clientEnd, deviceEnd := frametest.Pair()
	fake := runFakeDongle(t, deviceEnd)

	sup := supervisor.New(supervisor.Config{
		ControlAddr: "127.0.0.1:0",
		DongleOpts: []dongle.Option{
			dongle.WithDeviceFinder(&fakeFinder{path: "/dev/fake0"}),
			dongle.WithOpener(&fakeOpener{port: clientEnd}),
			dongle.WithPollInterval(10 * time.Millisecond),
			dongle.WithSettleDelay(5 * time.Millisecond),
			dongle.WithConnectTimeout(500 * time.Millisecond),
			dongle.WithErrorDowntime(10 * time.Millisecond),
			dongle.WithKeepaliveInterval(50 * time.Millisecond),
			dongle.WithRPCMajorVersion(1),
		},
	})
	return sup, fake
}

func waitForLive(t *testing.T, d *dongle.Controller) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for d.State() != dongle.Live {
		select {
		case <-deadline:
			t.Fatalf("dongle did not reach Live, last seen %v", d.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestRunServesAndShutsDownInOrder exercises the whole wiring end-to-end:
// the supervisor reaches Live, a real control-plane client resolves a
// serial ID over the network, and cancelling the run context produces a
// clean exit with the proxy map drained.
func TestRunServesAndShutsDownInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	sup, fake := newTestSupervisor(t)
	defer fake.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	waitForLive(t, sup.Dongle)

	conn, err := net.Dial("tcp", sup.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	peer := rpc.NewPeer().Start(channel.IO(conn, conn))
	bound := clientCatalog.Bind(peer)

	id, _ := serialid.Parse("ABCD")
	if _, err := bound.Call(context.Background(), "resolveSerialId", id[:]); err != nil {
		t.Fatalf("resolveSerialId: %v", err)
	}
	if got := sup.Router.Count(); got != 1 {
		t.Fatalf("Router.Count() = %d, want 1", got)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	if got := sup.Router.Count(); got != 0 {
		t.Errorf("Router.Count() after shutdown = %d, want 0", got)
	}
	peer.Stop()
}

// TestMetricsMergesComponentMaps checks that the combined map surfaces each
// component family under its own key rather than flattening them together.
func TestMetricsMergesComponentMaps(t *testing.T) {
	sup, fake := newTestSupervisor(t)
	defer fake.Close()

	m := sup.Metrics()
	for _, key := range []string{"router", "dongle", "proxy"} {
		if m.Get(key) == nil {
			t.Errorf("Metrics() missing %q", key)
		}
	}
}
