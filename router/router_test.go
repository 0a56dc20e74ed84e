// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/barobo/dongled/frame"
	"github.com/barobo/dongled/frame/frametest"
	"github.com/barobo/dongled/router"
	"github.com/barobo/dongled/serialid"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type fakeProxy struct {
	mu       sync.Mutex
	gen      router.DongleGeneration
	dead     bool
	closed   bool
	received [][]byte
}

func (p *fakeProxy) Endpoint() (string, uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return "", 0, errors.New("fakeProxy: dead")
	}
	return "127.0.0.1", 9999, nil
}

func (p *fakeProxy) Generation() router.DongleGeneration { return p.gen }

func (p *fakeProxy) Deliver(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, payload)
}

func (p *fakeProxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProxy) deliveries() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

func connectedTransports(t *testing.T) (*frame.Transport, *frame.Transport) {
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

func serial(t *testing.T, s string) serialid.SerialId {
	t.Helper()
	id, err := serialid.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return id
}

func TestDispatchToRegisteredProxy(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := connectedTransports(t)

	r := router.New(nil)
	r.Install(1, b, nil)
	defer r.Uninstall()

	sid := serial(t, "ABCD")
	p := &fakeProxy{gen: 1}
	r.Register(sid, p)

	pkt := router.AddressedPacket{Serial: sid, Port: 5, Payload: []byte("hello")}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Send(ctx, pkt.Encode()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if got := p.deliveries(); len(got) == 1 {
			if diff := cmp.Diff(got[0], pkt.Payload); diff != "" {
				t.Errorf("Deliver (-got, +want):\n%s", diff)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatchDropsUnregisteredSerial(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := connectedTransports(t)

	r := router.New(nil)
	r.Install(1, b, nil)
	defer r.Uninstall()

	pkt := router.AddressedPacket{Serial: serial(t, "ZZZZ"), Port: 1, Payload: []byte("x")}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Send(ctx, pkt.Encode()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Drained asynchronously; give the dispatch loop a moment, then confirm
	// the router didn't panic and has no registered proxies to deliver to.
	time.Sleep(20 * time.Millisecond)
	if n := r.Count(); n != 0 {
		t.Errorf("Count: got %d, want 0", n)
	}
}

func TestRobotEventBroadcast(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := connectedTransports(t)

	r := router.New(nil)
	events := make(chan router.RobotEvent, 1)
	r.RobotEventHandler = func(e router.RobotEvent) { events <- e }
	r.Install(1, b, nil)
	defer r.Uninstall()

	want := router.RobotEvent{
		Serial:           serial(t, "R2D2"),
		FirmwareVersion:  router.Version{Major: 1, Minor: 2, Patch: 3},
		RpcVersion:       router.Version{Major: 4, Minor: 5, Patch: 6},
		InterfaceVersion: router.Version{Major: 7, Minor: 8, Patch: 9},
	}
	pkt := router.AddressedPacket{Serial: want.Serial, Port: router.EventPort, Payload: want.Encode()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Send(ctx, pkt.Encode()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-events:
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("RobotEvent (-got, +want):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for robot event")
	}
}

func TestResolveUndeadProxy(t *testing.T) {
	sid := serial(t, "DEAD")
	r := router.New(nil)

	live := &fakeProxy{gen: 1}
	r.Register(sid, live)
	if got, ok := r.Resolve(sid); !ok || got != live {
		t.Fatalf("Resolve on live proxy: got (%v, %v), want (%v, true)", got, ok, live)
	}

	live.mu.Lock()
	live.dead = true
	live.mu.Unlock()

	got, ok := r.Resolve(sid)
	if ok || got != nil {
		t.Fatalf("Resolve on undead proxy: got (%v, %v), want (nil, false)", got, ok)
	}
	live.mu.Lock()
	closed := live.closed
	live.mu.Unlock()
	if !closed {
		t.Error("undead proxy was not closed")
	}
	if _, ok := r.Lookup(sid); ok {
		t.Error("undead proxy entry was not erased from the map")
	}
}

func TestUninstallClosesProxies(t *testing.T) {
	defer leaktest.Check(t)()
	_, b := connectedTransports(t)

	r := router.New(nil)
	r.Install(1, b, nil)

	sid := serial(t, "GONE")
	p := &fakeProxy{gen: 1}
	r.Register(sid, p)

	r.Uninstall()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		t.Error("proxy was not closed on Uninstall")
	}
	if r.Live() {
		t.Error("router still reports Live after Uninstall")
	}
	if n := r.Count(); n != 0 {
		t.Errorf("Count after Uninstall: got %d, want 0", n)
	}
}

func TestSendWithoutInstalledTransport(t *testing.T) {
	r := router.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := r.Send(ctx, serial(t, "ABCD"), 1, []byte("x"))
	if !errors.Is(err, router.ErrNoTransport) {
		t.Errorf("Send without transport: got %v, want %v", err, router.ErrNoTransport)
	}
}

func TestAddressedPacketRoundTrip(t *testing.T) {
	want := router.AddressedPacket{Serial: serial(t, "WXYZ"), Port: 7, Payload: []byte("payload")}
	got, err := router.DecodeAddressedPacket(want.Encode())
	if err != nil {
		t.Fatalf("DecodeAddressedPacket: %v", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("round trip (-got, +want):\n%s", diff)
	}
}
