// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package frametest provides an in-memory fake serial stream for testing
// the frame package and its callers without real hardware, the same role
// channel.Direct plays for the rpc package.
package frametest

import (
	"io"
	"net"
)

// Pair returns two connected frame.Stream values joined by an in-memory
// pipe: bytes written to A are read from B, and vice versa. Both ends
// implement io.Closer.
func Pair() (a, b io.ReadWriteCloser) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeStream{r: ar, w: aw}, &pipeStream{r: br, w: bw}
}

// pipeStream joins a read half and a write half of two io.Pipes into a
// single bidirectional stream.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeStream) Read(buf []byte) (int, error)  { return p.r.Read(buf) }
func (p *pipeStream) Write(buf []byte) (int, error) { return p.w.Write(buf) }

func (p *pipeStream) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// FlakyWriter wraps an io.Writer so that the Nth write (1-indexed) fails
// with net.ErrClosed, simulating a removed USB device surfacing only on
// the write side — the case dongletransport.hpp's keepalive trap exists
// to catch.
type FlakyWriter struct {
	io.Writer
	FailAt int
	count  int
}

func (f *FlakyWriter) Write(p []byte) (int, error) {
	f.count++
	if f.count == f.FailAt {
		return 0, net.ErrClosed
	}
	return f.Writer.Write(p)
}
