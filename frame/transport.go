// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package frame

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// Default timing constants, matching dongletransport.hpp's kSfpSettleTimeout
// and kRetryCooldown and this daemon's own POLL_INTERVAL / CONNECT_TIMEOUT.
const (
	DefaultHandshakeTimeout  = 1000 * time.Millisecond
	DefaultRetransmitTimeout = 200 * time.Millisecond
	DefaultKeepaliveTimeout  = 1000 * time.Millisecond
)

// ErrOperationAborted reports that a pending operation was cancelled by
// Close, not by a transport failure. Callers must not treat it as a
// transport error requiring reacquisition.
var ErrOperationAborted = errors.New("frame: operation aborted")

// ErrHandshakeFailed reports a failed or timed-out Connect.
var ErrHandshakeFailed = errors.New("frame: handshake failed")

// ErrMessageSize reports a Payload larger than a Transport can carry.
var ErrMessageSize = errors.New("frame: message too large")

// A Stream is the raw, unreliable byte-oriented link a Transport frames
// messages over — typically a serial port, or frametest's in-memory fake.
type Stream interface {
	io.Reader
	io.Writer
}

// Transport turns a raw Stream into a reliable, message-oriented link: a
// mandatory handshake, FIFO delivery, deduplication by sequence number, and
// a keepalive round trip. It is the Go-idiomatic replacement for
// dongletransport.hpp's sfp::Context plus its dedicated reader thread: one
// goroutine reads the Stream and feeds a dispatch, the same shape as
// rpc.Peer.Start's receive loop.
type Transport struct {
	stream Stream
	r      *bufio.Reader

	connected chan struct{} // closed once the handshake completes
	inbound   chan []byte   // delivers complete, de-duplicated DATA payloads
	closed    chan struct{} // closed once Close has run
	closeOnce sync.Once
	closeErr  error

	tasks   *taskgroup.Group
	readErr error // set once by readLoop before it closes inbound; see Receive

	sendMu  sync.Mutex // serializes Send calls: one outstanding frame at a time
	nextSeq uint16

	ackMu  sync.Mutex // guards ackSeq/ackCh against the read loop
	ackCh  chan struct{}
	ackSeq uint16

	recvSeq  uint16
	recvInit bool

	pingMu sync.Mutex
	pongCh chan struct{}
}

// New constructs a Transport over stream. The caller must call Connect
// before Send, Receive or Keepalive, and must always call Close.
func New(stream Stream) *Transport {
	t := &Transport{
		stream:    stream,
		r:         bufio.NewReader(stream),
		connected: make(chan struct{}),
		inbound:   make(chan []byte, 1),
		closed:    make(chan struct{}),
		ackCh:     make(chan struct{}, 1),
	}
	t.tasks = taskgroup.New(nil)
	t.tasks.Go(t.readLoop)
	return t
}

// Connect blocks until the handshake completes on both sides, or ctx ends.
func (t *Transport) Connect(ctx context.Context) error {
	timer := time.NewTicker(DefaultRetransmitTimeout)
	defer timer.Stop()

	if err := t.writeFrame(frame{Type: typeSyn}); err != nil {
		if err == ErrOperationAborted {
			return err
		}
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	for {
		select {
		case <-t.connected:
			return nil
		case <-t.closed:
			return ErrOperationAborted
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, ctx.Err())
		case <-timer.C:
			if err := t.writeFrame(frame{Type: typeSyn}); err != nil {
				if err == ErrOperationAborted {
					return err
				}
				return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
		}
	}
}

// Send queues payload for reliable delivery and blocks until it is
// acknowledged, the transport closes, or ctx ends. Sends from a single
// Transport are serialized, which is what gives per-direction FIFO order.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if len(payload) > maxFramePayload {
		return ErrMessageSize
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	seq := t.nextSeq
	t.nextSeq++
	f := frame{Type: typeData, Seq: seq, Payload: payload}

	if err := t.writeFrame(f); err != nil {
		return err
	}

	timer := time.NewTicker(DefaultRetransmitTimeout)
	defer timer.Stop()
	for {
		select {
		case <-t.ackFor(seq):
			return nil
		case <-t.closed:
			return ErrOperationAborted
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := t.writeFrame(f); err != nil {
				return err
			}
		}
	}
}

// ackFor returns a channel that is sent to (from the read loop) once the
// outstanding Send for seq has been acknowledged.
func (t *Transport) ackFor(seq uint16) <-chan struct{} {
	t.ackMu.Lock()
	t.ackSeq = seq
	t.ackMu.Unlock()
	return t.ackCh
}

// Receive yields the next complete inbound message, in the order the
// remote peer sent it. It fails with ErrOperationAborted once Close runs,
// or with a wrapped readErr if the stream itself failed — the distinction
// the dongle lifecycle controller's "outstanding receive" trap depends on
// to tell a deliberate shutdown from a dead link worth reacquiring.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-t.inbound:
		if !ok {
			return nil, t.readFailure()
		}
		return data, nil
	case <-t.closed:
		return nil, ErrOperationAborted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readFailure reports why readLoop closed inbound: ErrOperationAborted if
// Close had already run by then, or the wrapped stream error otherwise.
// Close closes t.closed before it closes the underlying stream, so by the
// time a Close-triggered read error reaches here t.closed is already
// closed, making the two cases distinguishable.
func (t *Transport) readFailure() error {
	select {
	case <-t.closed:
		return ErrOperationAborted
	default:
	}
	if t.readErr != nil {
		return fmt.Errorf("frame: stream read failed: %w", t.readErr)
	}
	return ErrOperationAborted
}

// Keepalive completes on the next successful PING/PONG round trip, or
// fails on transport error or ctx expiry. It exists for the same reason
// dongletransport.hpp's write trap does: some OS serial drivers only
// surface a removed USB device on the write side.
func (t *Transport) Keepalive(ctx context.Context) error {
	t.pingMu.Lock()
	pc := make(chan struct{})
	t.pongCh = pc
	t.pingMu.Unlock()

	if err := t.writeFrame(frame{Type: typePing}); err != nil {
		return err
	}

	select {
	case <-pc:
		return nil
	case <-t.closed:
		return ErrOperationAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close idempotently tears down the transport, cancelling every pending
// Connect, Send, Receive and Keepalive with ErrOperationAborted.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if wc, ok := t.stream.(io.Closer); ok {
			t.closeErr = wc.Close()
		}
		t.tasks.Wait()
	})
	return t.closeErr
}

// writeFrame writes f to the stream. A write that fails after Close has run
// reports ErrOperationAborted rather than the stream's own closed error.
func (t *Transport) writeFrame(f frame) error {
	_, err := t.stream.Write(f.encode())
	if err != nil {
		select {
		case <-t.closed:
			return ErrOperationAborted
		default:
		}
	}
	return err
}

// readLoop is the transport's single reader goroutine: it decodes frames
// from the stream and dispatches each to the appropriate waiter, the same
// "one loop feeds a dispatch" shape as rpc.Peer.Start.
func (t *Transport) readLoop() error {
	for {
		f, err := readFrame(t.r)
		if err != nil {
			t.readErr = err
			close(t.inbound)
			return err
		}

		switch f.Type {
		case typeSyn:
			select {
			case <-t.connected:
			default:
				close(t.connected)
			}
			t.writeFrame(frame{Type: typeSynAck})

		case typeSynAck:
			select {
			case <-t.connected:
			default:
				close(t.connected)
			}

		case typeData:
			if t.recvInit && f.Seq == t.recvSeq {
				// Duplicate of the last delivered message: our ack was
				// lost. Resend it without re-delivering the payload.
				t.writeFrame(frame{Type: typeAck, Seq: f.Seq})
				continue
			}
			select {
			case t.inbound <- f.Payload:
			case <-t.closed:
				return nil
			}
			t.recvSeq, t.recvInit = f.Seq, true
			t.writeFrame(frame{Type: typeAck, Seq: f.Seq})

		case typeAck:
			t.ackMu.Lock()
			match := f.Seq == t.ackSeq
			t.ackMu.Unlock()
			if match {
				select {
				case t.ackCh <- struct{}{}:
				default:
				}
			}

		case typePing:
			t.writeFrame(frame{Type: typePong})

		case typePong:
			t.pingMu.Lock()
			if t.pongCh != nil {
				close(t.pongCh)
				t.pongCh = nil
			}
			t.pingMu.Unlock()
		}
	}
}
