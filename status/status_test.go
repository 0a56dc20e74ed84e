// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package status_test

import (
	"testing"

	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/status"
)

func TestResultCodeRoundTrip(t *testing.T) {
	for _, s := range []status.Status{
		status.OK,
		status.CannotOpenDongle,
		status.DongleNotFound,
		status.StrangeDongle,
		status.DongleVersionMismatch,
		status.PortOutOfRange,
		status.BufferOverflow,
		status.InvalidSerialId,
		status.OperationAborted,
		status.OtherError,
	} {
		want := status.Status(s)
		code := want.ResultCode()
		if got := status.FromResultCode(code); got != want {
			t.Errorf("FromResultCode(%v.ResultCode()): got %v, want %v", want, got, want)
		}
	}

	// A code in rpc's own reserved range that isn't CodeSuccess maps to
	// OtherError, not to a misleadingly-specific Status.
	if got := status.FromResultCode(rpc.CodeDuplicateID); got != status.OtherError {
		t.Errorf("FromResultCode(CodeDuplicateID): got %v, want OtherError", got)
	}
}

func TestErrorEncodeDecode(t *testing.T) {
	want := status.New(status.DongleNotFound, "no dongle at %s", "/dev/ttyACM0")
	ed := want.Encode()
	got := status.Decode(ed)
	if got.Status != want.Status || got.Message != want.Message {
		t.Errorf("Decode(Encode(%v)): got %+v, want %+v", want, got, want)
	}
}

func TestErrorImplementsResultCoder(t *testing.T) {
	var err error = status.New(status.InvalidSerialId, "bad length")
	rc, ok := err.(interface{ ResultCode() rpc.ResultCode })
	if !ok {
		t.Fatal("*status.Error does not implement the resultCoder interface")
	}
	if got, want := rc.ResultCode(), status.InvalidSerialId.ResultCode(); got != want {
		t.Errorf("ResultCode: got %v, want %v", got, want)
	}
}
