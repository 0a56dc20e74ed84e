// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package proxy_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/barobo/dongled/frame"
	"github.com/barobo/dongled/frame/frametest"
	"github.com/barobo/dongled/proxy"
	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/rpc/channel"
	"github.com/barobo/dongled/router"
	"github.com/barobo/dongled/serialid"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func serial(t *testing.T, s string) serialid.SerialId {
	t.Helper()
	id, err := serialid.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return id
}

// robotLink stands in for the router's installed transport: one end is
// installed on the router, the other is driven directly by the test to
// play the part of the physical robot on the other side of the dongle.
func robotLink(t *testing.T) (*frame.Transport, *frame.Transport) {
	t.Helper()
	sa, sb := frametest.Pair()
	a, b := frame.New(sa), frame.New(sb)
	t.Cleanup(func() { a.Close(); b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- a.Connect(ctx) }()
	go func() { errc <- b.Connect(ctx) }()
	for range 2 {
		if err := <-errc; err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return a, b
}

func dialClient(t *testing.T, host string, port uint16) rpc.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return channel.IO(conn, conn)
}

func TestClientSessionForwardsThroughRouter(t *testing.T) {
	defer leaktest.Check(t)()

	robot, installed := robotLink(t)

	r := router.New(nil)
	r.Install(1, installed, nil)
	defer r.Uninstall()

	sid := serial(t, "ABCD")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var doneSerial serialid.SerialId
	done := make(chan struct{}, 1)
	p, err := proxy.New(ctx, nil, r, sid, 1, func(*proxy.RobotProxy) {
		doneSerial = sid
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	r.Register(sid, p)

	host, port, err := p.Endpoint()
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	client := dialClient(t, host, port)
	defer client.Close()

	outgoing := &rpc.Packet{Version: 1, Type: rpc.PacketRequest, Payload: []byte("ping")}
	if err := client.Send(outgoing); err != nil {
		t.Fatalf("client.Send: %v", err)
	}

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	raw, err := robot.Receive(rctx)
	if err != nil {
		t.Fatalf("robot.Receive: %v", err)
	}
	got, err := router.DecodeAddressedPacket(raw)
	if err != nil {
		t.Fatalf("DecodeAddressedPacket: %v", err)
	}
	if got.Serial != sid {
		t.Errorf("serial: got %v, want %v", got.Serial, sid)
	}
	if diff := cmp.Diff(got.Payload, outgoing.Encode()); diff != "" {
		t.Errorf("forwarded payload (-got, +want):\n%s", diff)
	}

	reply := &rpc.Packet{Version: 1, Type: rpc.PacketResponse, Payload: []byte("pong")}
	replyPkt := router.AddressedPacket{Serial: sid, Port: got.Port, Payload: reply.Encode()}
	if err := robot.Send(rctx, replyPkt.Encode()); err != nil {
		t.Fatalf("robot.Send: %v", err)
	}

	gotReply, err := client.Recv()
	if err != nil {
		t.Fatalf("client.Recv: %v", err)
	}
	if diff := cmp.Diff(gotReply.Payload, reply.Payload); diff != "" {
		t.Errorf("reply payload (-got, +want):\n%s", diff)
	}

	client.Close()
	cancel()
	p.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onDone was not invoked")
	}
	if doneSerial != sid {
		t.Errorf("onDone serial: got %v, want %v", doneSerial, sid)
	}
	if _, _, err := p.Endpoint(); err == nil {
		t.Error("Endpoint should fail once the proxy is dead")
	}
}

func TestSecondClientRejectedWhileFirstActive(t *testing.T) {
	defer leaktest.Check(t)()

	_, installed := robotLink(t)
	r := router.New(nil)
	r.Install(1, installed, nil)
	defer r.Uninstall()

	sid := serial(t, "BUSY")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := proxy.New(ctx, nil, r, sid, 1, nil)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	defer p.Close()
	r.Register(sid, p)

	host, port, err := p.Endpoint()
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	first := dialClient(t, host, port)
	defer first.Close()

	// Give the accept loop a moment to mark the first session Active before
	// dialing the second; the first connection's Recv never returns so the
	// session stays open for the duration of the test.
	time.Sleep(20 * time.Millisecond)

	second := dialClient(t, host, port)
	defer second.Close()

	if _, err := second.Recv(); err == nil {
		t.Error("second client session should be closed immediately, got no error on Recv")
	}
}
