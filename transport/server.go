// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// DecodedFrame pairs a decoded message with the decode error, if any,
// encountered while parsing the frame it came from. Value is the zero
// value of Msg when Err is non-nil.
type DecodedFrame[Msg any] struct {
	Value Msg
	Err   error
}

// TransportServer is the notebook-server side of a kernel transport: it
// sends requests and notebook updates, and observes decoded responses.
// Req, Resp, and Update are the concrete message types this instance is
// parameterized over; the transport itself only requires that Codec can
// encode and decode them.
type TransportServer[Req, Resp, Update any] struct {
	codec     Codec
	pair      *ChannelPair
	process   *DeployedProcess
	listener  net.Listener
	logger    *slog.Logger
	closeOnce sync.Once
	closedCh  chan struct{}
	closedErr error
	mu        sync.Mutex
}

func newTransportServer[Req, Resp, Update any](
	codec Codec,
	pair *ChannelPair,
	process *DeployedProcess,
	listener net.Listener,
	logger *slog.Logger,
) *TransportServer[Req, Resp, Update] {
	s := &TransportServer[Req, Resp, Update]{
		codec:    codec,
		pair:     pair,
		process:  process,
		listener: listener,
		logger:   logger,
		closedCh: make(chan struct{}),
	}
	go s.watch(pair.Main)
	go s.watch(pair.NotebookUpdates)
	go s.watchProcess()
	return s
}

// watch propagates the death of either channel into the server's own
// closed latch: whichever socket dies first determines the cause.
func (s *TransportServer[Req, Resp, Update]) watch(socket *FramedSocket) {
	<-socket.Done()
	s.markClosed(socket.Err())
}

// watchProcess propagates the deployed kernel exiting into the server's
// closed latch, even if the channels themselves stay open past it. A
// zero exit code closes the latch cleanly; anything else is recorded as
// the closing cause.
func (s *TransportServer[Req, Resp, Update]) watchProcess() {
	<-s.process.waitDone
	code, _ := s.process.ExitStatus()
	if code == 0 {
		s.markClosed(nil)
		return
	}
	s.markClosed(&ProcessError{Err: fmt.Errorf("kernel process exited with code %d", code)})
}

// SendRequest encodes req and writes it to the main channel.
func (s *TransportServer[Req, Resp, Update]) SendRequest(ctx context.Context, req Req) error {
	data, err := s.codec.Encode(req)
	if err != nil {
		return err
	}
	if err := s.pair.Main.Write(data); err != nil {
		s.logger.Error("failed to send request", "error", err)
		return err
	}
	return nil
}

// SendNotebookUpdate encodes upd and writes it to the notebook-updates
// channel.
func (s *TransportServer[Req, Resp, Update]) SendNotebookUpdate(ctx context.Context, upd Update) error {
	data, err := s.codec.Encode(upd)
	if err != nil {
		return err
	}
	if err := s.pair.NotebookUpdates.Write(data); err != nil {
		s.logger.Error("failed to send notebook update", "error", err)
		return err
	}
	return nil
}

// Responses returns a channel of decoded responses read from the main
// channel. It terminates when the main channel's frame stream ends, the
// server's closed latch is set, or ctx is cancelled.
func (s *TransportServer[Req, Resp, Update]) Responses(ctx context.Context) <-chan DecodedFrame[Resp] {
	out := make(chan DecodedFrame[Resp])
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.closedCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer close(out)
		defer cancel()
		for frame := range s.pair.Main.Frames(ctx) {
			if frame.Err != nil {
				s.markClosed(frame.Err)
				return
			}
			var resp Resp
			if err := s.codec.Decode(frame.Payload, &resp); err != nil {
				select {
				case out <- DecodedFrame[Resp]{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- DecodedFrame[Resp]{Value: resp}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// IsConnected reports whether both channels are still connected.
func (s *TransportServer[Req, Resp, Update]) IsConnected() bool { return s.pair.IsConnected() }

// Address returns the listening socket's bound address.
func (s *TransportServer[Req, Resp, Update]) Address() net.Addr { return s.listener.Addr() }

// Close closes both channels, closes the listener, and waits up to the
// graceful-shutdown grace period for the deployed process to exit
// before killing it. Idempotent.
func (s *TransportServer[Req, Resp, Update]) Close(ctx context.Context) error {
	s.markClosed(nil)
	s.listener.Close()
	pairErr := s.pair.Close()
	processErr := s.process.AwaitOrKill(ctx, killGrace)
	if pairErr != nil {
		return pairErr
	}
	return processErr
}

// Done returns a channel that closes once the server's closed latch is
// set: explicit Close, either channel dying, or the process exiting.
func (s *TransportServer[Req, Resp, Update]) Done() <-chan struct{} { return s.closedCh }

// Err returns the cause the closed latch was set with, or nil.
func (s *TransportServer[Req, Resp, Update]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErr
}

func (s *TransportServer[Req, Resp, Update]) markClosed(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closedErr = err
		s.mu.Unlock()
		close(s.closedCh)
	})
}
