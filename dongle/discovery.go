// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package dongle

import (
	"context"
	"errors"
	"fmt"

	serial "github.com/allbin/go-serial"
)

// ErrDeviceNotFound is returned by a DeviceFinder when no matching device
// is currently attached. It is not logged as an error by the controller —
// an absent dongle is the steady state between acquisitions, not a fault.
var ErrDeviceNotFound = errors.New("dongle: no matching device found")

// defaultVendorID and defaultProductID identify this project's dongle on
// the USB bus. Overridable via WithDeviceFinder for hosts with different
// hardware, or for tests.
const (
	defaultVendorID  = "2886"
	defaultProductID = "0018"
)

// A DeviceFinder locates the OS device path of an attached dongle. It is
// the concrete body of spec.md §1's abstract
// find_dongle_path() -> Option<DevicePath> contract.
type DeviceFinder interface {
	FindDevicePath() (string, error)
}

// USBFilter returns a DeviceFinder that matches the first enumerated
// serial port whose USB vendor/product ID equal vendorID/productID.
func USBFilter(vendorID, productID string) DeviceFinder {
	return usbFilter{vendorID: vendorID, productID: productID}
}

type usbFilter struct {
	vendorID, productID string
}

func (f usbFilter) FindDevicePath() (string, error) {
	paths, err := serial.ListPorts()
	if err != nil {
		return "", fmt.Errorf("dongle: listing serial ports: %w", err)
	}
	for _, path := range paths {
		info, err := serial.GetPortInfo(path)
		if err != nil {
			continue
		}
		if info.VendorID == f.vendorID && info.ProductID == f.productID {
			return path, nil
		}
	}
	return "", ErrDeviceNotFound
}

// serialOpener opens real hardware through go-serial.
type serialOpener struct{}

// ioTimeout bounds each individual Read/Write call to the serial device, so
// a wedged driver can't hang the framing transport's reader or writer
// forever; the outer Connect/Send/Receive/Keepalive timeouts still govern
// overall operation latency.
const ioTimeout = 2 * DefaultConnectTimeout

func (serialOpener) Open(ctx context.Context, path string, baudRate int) (Port, error) {
	port, err := serial.Open(path, serial.WithBaudRate(baudRate))
	if err != nil {
		return nil, err
	}
	return &contextPort{port: port}, nil
}

// contextPort adapts a serial.Port's context-aware I/O to the plain
// io.Reader/io.Writer shape frame.Transport expects, so every byte crossing
// the USB link — including the keepalive trap's writes — goes through
// go-serial's WriteContext/ReadContext rather than its unbounded Read/Write.
type contextPort struct {
	port serial.Port
}

func (p *contextPort) Read(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	return p.port.ReadContext(ctx, b)
}

func (p *contextPort) Write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	return p.port.WriteContext(ctx, b)
}

func (p *contextPort) Close() error { return p.port.Close() }
