// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/kernel-remote/kerneltransport/lib/codec"

// Codec encodes and decodes the messages carried inside frame payloads.
// The framing layer never inspects a payload's bytes; Codec is the only
// place a message's shape matters.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte, out any) error
}

// CBORCodec implements Codec using the Core Deterministic CBOR encoding
// shared by every message this transport carries.
type CBORCodec struct{}

func (CBORCodec) Encode(value any) ([]byte, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return data, nil
}

func (CBORCodec) Decode(data []byte, out any) error {
	if err := codec.Unmarshal(data, out); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}
