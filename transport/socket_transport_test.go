// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kernel-remote/kerneltransport/kernelmsg"
)

// sleepDeploy satisfies Deploy by starting a harmless subprocess that
// does not itself connect back; the test dials the two connections
// itself (via Connect) to exercise Serve/Connect/handshake independent
// of a real kernel binary. If addr is set, DeployKernel reports the
// listener address on it, so the test can Connect while Serve is still
// waiting to accept.
type sleepDeploy struct {
	addr chan<- string
}

func (d sleepDeploy) DeployKernel(ctx context.Context, listenerAddress string) (*DeployedProcess, error) {
	if d.addr != nil {
		d.addr <- listenerAddress
	}
	return ExecDeploy{
		Command: func(string) (string, []string) { return "sleep", []string{"30"} },
	}.DeployKernel(ctx, listenerAddress)
}

func TestServeConnectEndToEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverDone := make(chan struct {
		server *TransportServer[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update]
		err    error
	}, 1)

	config := SocketTransportConfig{ListenAddress: "127.0.0.1:0", AcceptTimeout: 5 * time.Second}

	addrCh := make(chan string, 1)
	go func() {
		server, err := Serve[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update](ctx, sleepDeploy{addr: addrCh}, config)
		serverDone <- struct {
			server *TransportServer[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update]
			err    error
		}{server, err}
	}()

	// Serve returns only after it has accepted both connections, so
	// connect as soon as the deploy step reports the listener address.
	var addr string
	select {
	case addr = <-addrCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for Serve to deploy")
	}

	client, err := Connect[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update](
		ctx, addr, kernelmsg.IsShutdown, config)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	result := <-serverDone
	if result.err != nil {
		t.Fatalf("Serve: %v", result.err)
	}
	server := result.server
	defer server.Close(context.Background())

	req := kernelmsg.Request{Kind: kernelmsg.KindExecute, Code: "1+1"}
	if err := server.SendRequest(ctx, req); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	requests := client.Requests(ctx)
	select {
	case frame := <-requests:
		if frame.Err != nil {
			t.Fatalf("client Requests: %v", frame.Err)
		}
		if frame.Value.Code != req.Code {
			t.Fatalf("got code %q, want %q", frame.Value.Code, req.Code)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for request")
	}

	resp := kernelmsg.Response{ID: req.ID, Status: kernelmsg.StatusOK, Output: "2"}
	if err := client.SendResponse(ctx, resp); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	responses := server.Responses(ctx)
	select {
	case frame := <-responses:
		if frame.Err != nil {
			t.Fatalf("server Responses: %v", frame.Err)
		}
		if frame.Value.Output != "2" {
			t.Fatalf("got output %q, want %q", frame.Value.Output, "2")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for response")
	}

	update := kernelmsg.Update{Kind: kernelmsg.UpdateKindStream, Text: "hello"}
	if err := server.SendNotebookUpdate(ctx, update); err != nil {
		t.Fatalf("SendNotebookUpdate: %v", err)
	}

	updates := client.Updates(ctx)
	select {
	case frame := <-updates:
		if frame.Err != nil {
			t.Fatalf("client Updates: %v", frame.Err)
		}
		if frame.Value.Text != "hello" {
			t.Fatalf("got text %q, want %q", frame.Value.Text, "hello")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for update")
	}
}

func TestServeAcceptTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	config := SocketTransportConfig{ListenAddress: "127.0.0.1:0", AcceptTimeout: 50 * time.Millisecond}

	_, err := Serve[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update](ctx, sleepDeploy{}, config)
	if err == nil {
		t.Fatal("Serve: expected a timeout error, got nil")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
}

// TestAcceptTwoGivesEachConnectionItsOwnTimeout dials the first
// connection 100ms into the 150ms window and the second one 100ms after
// that: a single deadline shared by both iterations would expire at
// 150ms and starve the second accept, while a fresh window per
// iteration runs until 250ms.
func TestAcceptTwoGivesEachConnectionItsOwnTimeout(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	config := SocketTransportConfig{AcceptTimeout: 150 * time.Millisecond}

	type acceptTwoResult struct {
		sockets [2]*FramedSocket
		err     error
	}
	resultCh := make(chan acceptTwoResult, 1)
	go func() {
		sockets, err := acceptTwo(context.Background(), listener, config)
		resultCh <- acceptTwoResult{sockets, err}
	}()

	// Delay the first connection so a deadline computed once before the
	// loop would leave the second accept only 50ms.
	time.Sleep(100 * time.Millisecond)

	conn1, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial 1: %v", err)
	}
	defer conn1.Close()

	// Consume most of the second connection's own window before dialing
	// it.
	time.Sleep(100 * time.Millisecond)

	conn2, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial 2: %v", err)
	}
	defer conn2.Close()

	select {
	case result := <-resultCh:
		if result.err != nil {
			t.Fatalf("acceptTwo: %v", result.err)
		}
		result.sockets[0].Close()
		result.sockets[1].Close()
	case <-time.After(2 * time.Second):
		t.Fatal("acceptTwo did not complete; the second connection likely missed a shared deadline")
	}
}

func TestClientRequestsStopsAfterShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config := SocketTransportConfig{ListenAddress: "127.0.0.1:0", AcceptTimeout: 5 * time.Second}

	serverCh := make(chan *TransportServer[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update], 1)
	errCh := make(chan error, 1)
	addrCh := make(chan string, 1)
	go func() {
		server, err := Serve[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update](ctx, sleepDeploy{addr: addrCh}, config)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- server
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-errCh:
		t.Fatalf("Serve: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Serve to deploy")
	}

	client, err := Connect[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update](
		ctx, addr, kernelmsg.IsShutdown, config)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	var server *TransportServer[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update]
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("Serve: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Serve")
	}
	defer server.Close(context.Background())

	requests := client.Requests(ctx)

	if err := server.SendRequest(ctx, kernelmsg.NewShutdownRequest()); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case frame := <-requests:
		if frame.Err != nil {
			t.Fatalf("Requests: %v", frame.Err)
		}
		if !kernelmsg.IsShutdown(frame.Value) {
			t.Fatal("expected the shutdown request to be delivered")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for shutdown request")
	}

	select {
	case _, open := <-requests:
		if open {
			t.Fatal("Requests channel should close after delivering a shutdown request")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for Requests channel to close")
	}
}
