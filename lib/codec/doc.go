// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the transport's standard CBOR encoding
// configuration.
//
// CBOR carries every message that crosses the wire between the notebook
// server and a deployed kernel: requests, responses, and notebook updates.
// The channel-identity tag exchanged at handshake time is a single raw
// byte, not CBOR.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every message encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (files, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets, IPC):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON. Examples: kernelmsg.Request,
//     kernelmsg.Response, kernelmsg.Update.
//   - `json` tag: fxamacker/cbor v2 reads `json` tags as fallback when
//     `cbor` tags are absent, so a single `json` tag can control field
//     naming and omitempty for both formats where a type is shared with
//     JSON-facing tooling.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
