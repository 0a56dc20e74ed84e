// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package serialid_test

import (
	"testing"

	"github.com/barobo/dongled/serialid"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"ABCD", false},
		{"0000", false},
		{"", true},
		{"ABC", true},
		{"ABCDE", true},
		{"AB\x01D", true},
	}
	for _, tc := range tests {
		id, err := serialid.Parse(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): got %v, want error", tc.input, id)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tc.input, err)
			continue
		}
		if got := id.String(); got != tc.input {
			t.Errorf("Parse(%q).String(): got %q", tc.input, got)
		}
	}
}

func TestEquality(t *testing.T) {
	a, err := serialid.Parse("WXYZ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := serialid.Parse("WXYZ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a != b {
		t.Errorf("a != b: %v, %v", a, b)
	}

	var zero serialid.SerialId
	if !zero.IsZero() {
		t.Error("zero value: IsZero() = false")
	}
	if a.IsZero() {
		t.Error("a.IsZero() = true")
	}
}
