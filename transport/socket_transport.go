// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// acceptTimeout bounds how long Serve waits for the deployed kernel to
// open each of its connections back to the listener, and then for the
// role frames on them.
const acceptTimeout = 3 * time.Minute

// SocketTransportConfig configures a SocketTransport. The zero value is
// usable: it binds an ephemeral port on the wildcard address, uses
// CBORCodec, slog.Default(), no metrics, and the package's default
// accept timeout.
type SocketTransportConfig struct {
	// ListenAddress overrides the address Serve binds to. Empty means
	// ":0" (an ephemeral port on the wildcard address).
	ListenAddress string

	// Codec encodes and decodes messages. Defaults to CBORCodec{}.
	Codec Codec

	// Logger receives structured log output. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, if set, is reported to from every FramedSocket and the
	// handshake.
	Metrics *Metrics

	// AcceptTimeout overrides how long Serve waits for each of the two
	// inbound connections, and then for both role frames. Defaults to
	// acceptTimeout.
	AcceptTimeout time.Duration

	// Progress, if set, is called with a fraction in [0,1] and a short
	// human-readable message as Serve proceeds through deploy, accept,
	// and handshake.
	Progress func(fraction float64, message string)
}

func (c SocketTransportConfig) codec() Codec {
	if c.Codec != nil {
		return c.Codec
	}
	return CBORCodec{}
}

func (c SocketTransportConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c SocketTransportConfig) acceptTimeout() time.Duration {
	if c.AcceptTimeout > 0 {
		return c.AcceptTimeout
	}
	return acceptTimeout
}

func (c SocketTransportConfig) report(fraction float64, message string) {
	if c.Progress != nil {
		c.Progress(fraction, message)
	}
}

func (c SocketTransportConfig) socketOptions() []FramedSocketOption {
	opts := []FramedSocketOption{WithLogger(c.logger())}
	if c.Metrics != nil {
		opts = append(opts, WithMetrics(c.Metrics))
	}
	return opts
}

// Serve binds a listener, deploys the kernel via deploy, accepts its
// two connections, runs the channel-identify handshake, and returns a
// ready TransportServer. On any failure the listener, any accepted
// sockets, and the deployed process are all released before returning.
func Serve[Req, Resp, Update any](ctx context.Context, deploy Deploy, config SocketTransportConfig) (*TransportServer[Req, Resp, Update], error) {
	listenAddress := config.ListenAddress
	if listenAddress == "" {
		listenAddress = ":0"
	}
	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, fmt.Errorf("transport: binding listener: %w", err)
	}

	process, err := deploy.DeployKernel(ctx, listener.Addr().String())
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("transport: deploying kernel: %w", err)
	}
	config.report(0.5, "kernel deployed, waiting for connections")

	sockets, err := acceptTwo(ctx, listener, config)
	if err != nil {
		listener.Close()
		process.Kill()
		return nil, err
	}

	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, config.acceptTimeout())
	pair, err := identifyChannels(handshakeCtx, sockets[0], sockets[1], sockets[0].conn.RemoteAddr(), config.Metrics)
	timedOut := handshakeCtx.Err() != nil && ctx.Err() == nil
	cancelHandshake()
	if err != nil {
		listener.Close()
		process.Kill()
		if timedOut {
			return nil, &TimeoutError{Operation: "waiting for channel role frames"}
		}
		return nil, err
	}
	config.report(1.0, "kernel transport ready")

	return newTransportServer[Req, Resp, Update](config.codec(), pair, process, listener, config.logger()), nil
}

func acceptTwo(ctx context.Context, listener net.Listener, config SocketTransportConfig) ([2]*FramedSocket, error) {
	var sockets [2]*FramedSocket

	type acceptResult struct {
		conn net.Conn
		err  error
	}

	for i := 0; i < 2; i++ {
		acceptCtx, cancel := context.WithTimeout(ctx, config.acceptTimeout())
		resultCh := make(chan acceptResult, 1)
		go func() {
			conn, err := listener.Accept()
			resultCh <- acceptResult{conn: conn, err: err}
		}()

		select {
		case result := <-resultCh:
			cancel()
			if result.err != nil {
				for j := 0; j < i; j++ {
					sockets[j].Close()
				}
				return sockets, fmt.Errorf("transport: accepting connection %d: %w", i+1, result.err)
			}
			sockets[i] = NewFramedSocket(result.conn, config.socketOptions()...)
		case <-acceptCtx.Done():
			cancel()
			for j := 0; j < i; j++ {
				sockets[j].Close()
			}
			return sockets, &TimeoutError{Operation: fmt.Sprintf("accepting connection %d", i+1)}
		}
	}
	return sockets, nil
}

// Connect dials two connections to addr and identifies them to the
// listening SocketTransport as Main and NotebookUpdates, returning a
// ready TransportClient. isShutdown reports whether a decoded request
// should end the client's request stream after delivery.
func Connect[Req, Resp, Update any](ctx context.Context, addr string, isShutdown func(Req) bool, config SocketTransportConfig) (*TransportClient[Req, Resp, Update], error) {
	var dialer net.Dialer

	mainConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing main channel: %w", err)
	}
	main := NewFramedSocket(mainConn, config.socketOptions()...)

	updatesConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		main.Close()
		return nil, fmt.Errorf("transport: dialing notebook-updates channel: %w", err)
	}
	updates := NewFramedSocket(updatesConn, config.socketOptions()...)

	if err := main.Write(encodeRole(RoleMain)); err != nil {
		main.Close()
		updates.Close()
		return nil, fmt.Errorf("transport: sending main role tag: %w", err)
	}
	if err := updates.Write(encodeRole(RoleNotebookUpdates)); err != nil {
		main.Close()
		updates.Close()
		return nil, fmt.Errorf("transport: sending notebook-updates role tag: %w", err)
	}

	return newTransportClient[Req, Resp, Update](config.codec(), main, updates, isShutdown, config.logger()), nil
}
