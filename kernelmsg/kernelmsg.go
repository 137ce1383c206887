// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernelmsg defines the minimal message types exchanged over a
// kernel transport: requests the server sends to a deployed kernel,
// responses the kernel sends back, and notebook updates the server
// pushes to the kernel unsolicited. The transport itself is agnostic to these shapes
// (see transport.Codec); a real kernel integration will typically define
// a richer request/response schema of its own and pass its own message
// types as the type parameters to transport.Serve and transport.Connect.
package kernelmsg

import "github.com/google/uuid"

// Kind discriminates the operation a Request asks the kernel to perform.
type Kind string

const (
	KindExecute  Kind = "execute"
	KindComplete Kind = "complete"
	KindInspect  Kind = "inspect"
	KindShutdown Kind = "shutdown"
)

// Request travels from the notebook server to the kernel on the main
// channel.
type Request struct {
	ID   uuid.UUID `cbor:"id"`
	Kind Kind      `cbor:"kind"`
	Code string    `cbor:"code,omitempty"`
}

// NewShutdownRequest builds the well-known request that asks the kernel
// to stop reading further requests and exit.
func NewShutdownRequest() Request {
	return Request{ID: uuid.New(), Kind: KindShutdown}
}

// IsShutdown reports whether req is a shutdown request. Passed to
// transport.Connect as the predicate that ends the client's request
// stream.
func IsShutdown(req Request) bool {
	return req.Kind == KindShutdown
}

// Status reports the outcome of executing a Request.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Response travels from the kernel to the notebook server on the main
// channel, correlated to a Request by ID.
type Response struct {
	ID     uuid.UUID `cbor:"id"`
	Status Status    `cbor:"status"`
	Output string    `cbor:"output,omitempty"`
	Error  string    `cbor:"error,omitempty"`
}

// UpdateKind discriminates the kind of unsolicited notification the
// notebook server pushes to the kernel.
type UpdateKind string

const (
	UpdateKindStream        UpdateKind = "stream"
	UpdateKindDisplayData   UpdateKind = "display_data"
	UpdateKindExecutionDone UpdateKind = "execution_done"
)

// Update travels from the notebook server to the kernel on the
// notebook-updates channel, unsolicited and unordered with respect to
// the main channel's request/response traffic.
type Update struct {
	Kind UpdateKind `cbor:"kind"`
	Text string     `cbor:"text,omitempty"`
}
