// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "testing"

func TestChannelRoleRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		role ChannelRole
	}{
		{"main", RoleMain},
		{"notebook updates", RoleNotebookUpdates},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			encoded := encodeRole(test.role)
			decoded, err := decodeRole(encoded)
			if err != nil {
				t.Fatalf("decodeRole: %v", err)
			}
			if decoded != test.role {
				t.Errorf("got role %v, want %v", decoded, test.role)
			}
		})
	}
}

func TestDecodeRoleRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"too long", []byte{1, 2}},
		{"unrecognized value", []byte{99}},
		{"zero value", []byte{0}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if _, err := decodeRole(test.payload); err == nil {
				t.Error("decodeRole: expected error, got nil")
			}
		})
	}
}
