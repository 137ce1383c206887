// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"sync"
)

// ChannelPair holds the two connections identified during the
// role-identify handshake: Main carries requests and responses,
// NotebookUpdates carries server-originated notebook updates.
type ChannelPair struct {
	Main            *FramedSocket
	NotebookUpdates *FramedSocket
	PeerAddress     net.Addr
}

// IsConnected reports whether both sockets are still connected.
func (p *ChannelPair) IsConnected() bool {
	return p.Main.IsConnected() && p.NotebookUpdates.IsConnected()
}

// Close closes both sockets in parallel and returns the first non-nil
// error (Main's before NotebookUpdates'), if any. Both closes are
// attempted regardless of the other's outcome.
func (p *ChannelPair) Close() error {
	var errMain, errUpdates error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errMain = p.Main.Close() }()
	go func() { defer wg.Done(); errUpdates = p.NotebookUpdates.Close() }()
	wg.Wait()
	if errMain != nil {
		return errMain
	}
	return errUpdates
}

type roleResult struct {
	socket *FramedSocket
	role   ChannelRole
	err    error
}

// identifyChannels reads one role frame from each of the two
// freshly-accepted sockets, in parallel, skipping any keepalives that
// race ahead of it, and assigns the sockets to Main and NotebookUpdates
// according to which role each one announced. Any missing, duplicate, or
// undecodable role tag is a fatal HandshakeError; on failure both
// sockets are closed before returning.
func identifyChannels(ctx context.Context, a, b *FramedSocket, peerAddress net.Addr, metrics *Metrics) (*ChannelPair, error) {
	results := make(chan roleResult, 2)
	for _, socket := range []*FramedSocket{a, b} {
		socket := socket
		go func() {
			var payload []byte
			for {
				var ok bool
				var err error
				payload, ok, err = socket.Read(ctx)
				if err != nil {
					results <- roleResult{socket: socket, err: err}
					return
				}
				if !ok {
					results <- roleResult{socket: socket, err: &HandshakeError{Reason: "connection closed before role frame"}}
					return
				}
				if payload == nil {
					continue // keepalive raced ahead of the role frame
				}
				break
			}
			role, decodeErr := decodeRole(payload)
			if decodeErr != nil {
				results <- roleResult{socket: socket, err: &HandshakeError{Reason: decodeErr.Error()}}
				return
			}
			results <- roleResult{socket: socket, role: role}
		}()
	}

	first := <-results
	second := <-results

	if first.err != nil || second.err != nil {
		a.Close()
		b.Close()
		if metrics != nil {
			metrics.HandshakeResults.WithLabelValues("failed").Inc()
		}
		if first.err != nil {
			return nil, first.err
		}
		return nil, second.err
	}

	if first.role == second.role {
		a.Close()
		b.Close()
		if metrics != nil {
			metrics.HandshakeResults.WithLabelValues("failed").Inc()
		}
		return nil, &HandshakeError{Reason: "both connections announced role " + first.role.String()}
	}

	if metrics != nil {
		metrics.HandshakeResults.WithLabelValues("ok").Inc()
	}
	pair := &ChannelPair{PeerAddress: peerAddress}
	for _, r := range []roleResult{first, second} {
		switch r.role {
		case RoleMain:
			pair.Main = r.socket
		case RoleNotebookUpdates:
			pair.NotebookUpdates = r.socket
		}
	}
	return pair, nil
}
