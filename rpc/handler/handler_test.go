// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/barobo/dongled/rpc"
	"github.com/barobo/dongled/rpc/handler"
	"github.com/barobo/dongled/rpc/peers"
	"github.com/fortytw2/leaktest"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	check := func(t *testing.T, want, etext string, h rpc.Handler) {
		t.Helper()
		loc.A.Handle(0, h)
		ctx := context.Background()
		rsp, err := loc.B.Call(ctx, 0, []byte("input"))
		if err != nil {
			if got := err.Error(); got != etext {
				t.Fatalf("Call: got error %v, want %q", err, etext)
			}
		} else if etext != "" {
			t.Fatalf("Call: got %v, want error %q", rsp, etext)
		} else if got := string(rsp.Data); got != want {
			t.Errorf("Call result: got %q, want %q", got, want)
		}
	}

	t.Run("ParamResultError", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) { return s + "-ok", nil },
			))
		})
		t.Run("StringByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) ([]byte, error) { return []byte(s + "-ok"), nil },
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvText) ([]byte, error) { return []byte(s + "-ok"), nil },
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvBinary) (tvText, error) { return tvText(s + "-ok"), nil },
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", "service error: bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) { return "", errors.New("bad robot") },
			))
		})
	})

	t.Run("ParamError", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, s string) error { return errors.New("ok") },
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, b []byte) error { return errors.New("ok") },
			))
		})
		t.Run("Text", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, s tvText) error {
					return rpc.ErrorData{Message: "ok", Data: []byte("hi")}
				},
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "", "service error: [code 100] ok", handler.ParamError(
				func(ctx context.Context, s tvBinary) error {
					return rpc.ErrorData{Code: 100, Message: "ok"}
				},
			))
		})
	})
}
