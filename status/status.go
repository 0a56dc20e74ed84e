// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Package status defines the daemon's error taxonomy and the concrete
// error type that carries it across an rpc.Peer boundary.
//
// A Status implements ResultCode() so that an *Error returned from a
// control-plane handler is reported to the caller via the matching
// rpc.ResultCode, the same extension point chirp.Peer uses for any error
// satisfying its resultCoder interface.
package status

import (
	"fmt"

	"github.com/barobo/dongled/rpc"
)

// A Status is one member of the daemon's error taxonomy.
type Status byte

const (
	OK Status = iota

	// Lifecycle.
	CannotOpenDongle
	DongleNotFound
	StrangeDongle
	DongleVersionMismatch

	// Resolution.
	PortOutOfRange
	NoRobotEndpoint
	BufferOverflow

	// Input validation.
	UnregisteredSerialId
	InvalidSerialId

	// Surfaced only by clients.
	DaemonUnavailable

	// Surfaced during connect.
	RpcVersionMismatch

	// Deliberate shutdown; must never trigger dongle recycling.
	OperationAborted

	// Catch-all for uncategorized low-level failures.
	OtherError
)

var names = map[Status]string{
	OK:                    "OK",
	CannotOpenDongle:      "CannotOpenDongle",
	DongleNotFound:        "DongleNotFound",
	StrangeDongle:         "StrangeDongle",
	DongleVersionMismatch: "DongleVersionMismatch",
	PortOutOfRange:        "PortOutOfRange",
	NoRobotEndpoint:       "NoRobotEndpoint",
	BufferOverflow:        "BufferOverflow",
	UnregisteredSerialId:  "UnregisteredSerialId",
	InvalidSerialId:       "InvalidSerialId",
	DaemonUnavailable:     "DaemonUnavailable",
	RpcVersionMismatch:    "RpcVersionMismatch",
	OperationAborted:      "OperationAborted",
	OtherError:            "OtherError",
}

// String renders s by name, or as a numeric fallback if unrecognized.
func (s Status) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", byte(s))
}

// resultCodeBase shifts Status values clear of rpc's own reserved result
// codes (0-4: success, unknown method, duplicate ID, canceled, service
// error) so a Status survives the trip through Peer.Call unambiguously.
const resultCodeBase rpc.ResultCode = 16

// ResultCode maps s onto the rpc transport's result code space, so an
// *Error returned from a handler is reported to the remote Call with a
// code that identifies the Status, not just "service error".
func (s Status) ResultCode() rpc.ResultCode {
	if s == OK {
		return rpc.CodeSuccess
	}
	return resultCodeBase + rpc.ResultCode(s)
}

// FromResultCode recovers the Status that ResultCode encoded, or OtherError
// if code does not correspond to one.
func FromResultCode(code rpc.ResultCode) Status {
	if code == rpc.CodeSuccess {
		return OK
	}
	if code < resultCodeBase {
		return OtherError
	}
	s := Status(code - resultCodeBase)
	if _, ok := names[s]; !ok {
		return OtherError
	}
	return s
}

// An Error pairs a Status with an optional descriptive message. Its
// ResultCode method satisfies the resultCoder extension interface consulted
// by rpc.Peer.dispatchRequestLocked, and its Encode/Decode round-trip the
// Status through the Code field of an rpc.ErrorData.
type Error struct {
	Status  Status
	Message string
}

// New constructs an *Error for the given status, formatting message like
// fmt.Sprintf when args are supplied.
func New(s Status, message string, args ...any) *Error {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	return &Error{Status: s, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// ResultCode satisfies the resultCoder extension interface.
func (e *Error) ResultCode() rpc.ResultCode { return e.Status.ResultCode() }

// Encode renders e as an rpc.ErrorData payload, with the Status packed into
// the error code field and the message carried as text.
func (e *Error) Encode() rpc.ErrorData {
	return rpc.ErrorData{Code: uint16(e.Status), Message: e.Message}
}

// Decode recovers an *Error from an rpc.ErrorData payload produced by
// Encode, or by a CallError observed on the calling side.
func Decode(ed rpc.ErrorData) *Error {
	return &Error{Status: Status(ed.Code), Message: ed.Message}
}

// Is reports whether err is an *Error with the given Status.
func Is(err error, s Status) bool {
	v, ok := err.(*Error)
	return ok && v.Status == s
}
