// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"sync"
)

// TransportClient is the deployed-kernel side of a kernel transport: it
// observes decoded requests and notebook updates, and sends responses.
type TransportClient[Req, Resp, Update any] struct {
	codec      Codec
	main       *FramedSocket
	updates    *FramedSocket
	isShutdown func(Req) bool
	logger     *slog.Logger

	closeOnce sync.Once
	closedCh  chan struct{}
	closedErr error
	mu        sync.Mutex
}

func newTransportClient[Req, Resp, Update any](
	codec Codec,
	main, updates *FramedSocket,
	isShutdown func(Req) bool,
	logger *slog.Logger,
) *TransportClient[Req, Resp, Update] {
	c := &TransportClient[Req, Resp, Update]{
		codec:      codec,
		main:       main,
		updates:    updates,
		isShutdown: isShutdown,
		logger:     logger,
		closedCh:   make(chan struct{}),
	}
	go c.watch(main)
	go c.watch(updates)
	return c
}

func (c *TransportClient[Req, Resp, Update]) watch(socket *FramedSocket) {
	<-socket.Done()
	c.markClosed(socket.Err())
}

// Requests returns a channel of decoded requests read from the main
// channel. Delivery stops, and the channel closes, after a request for
// which isShutdown reports true has been delivered; the caller is
// expected to send its response and then exit its request loop.
func (c *TransportClient[Req, Resp, Update]) Requests(ctx context.Context) <-chan DecodedFrame[Req] {
	out := make(chan DecodedFrame[Req])
	go func() {
		defer close(out)
		for frame := range c.main.Frames(ctx) {
			if frame.Err != nil {
				c.markClosed(frame.Err)
				return
			}
			var req Req
			if err := c.codec.Decode(frame.Payload, &req); err != nil {
				select {
				case out <- DecodedFrame[Req]{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- DecodedFrame[Req]{Value: req}:
			case <-ctx.Done():
				return
			}
			if c.isShutdown != nil && c.isShutdown(req) {
				return
			}
		}
	}()
	return out
}

// Updates returns a channel of decoded notebook updates read from the
// updates channel, closed when the socket's read side terminates or the
// client's closed latch is set.
func (c *TransportClient[Req, Resp, Update]) Updates(ctx context.Context) <-chan DecodedFrame[Update] {
	out := make(chan DecodedFrame[Update])
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closedCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer close(out)
		defer cancel()
		for frame := range c.updates.Frames(ctx) {
			if frame.Err != nil {
				c.markClosed(frame.Err)
				return
			}
			var upd Update
			if err := c.codec.Decode(frame.Payload, &upd); err != nil {
				select {
				case out <- DecodedFrame[Update]{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- DecodedFrame[Update]{Value: upd}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SendResponse encodes rep and writes it to the main channel.
func (c *TransportClient[Req, Resp, Update]) SendResponse(ctx context.Context, rep Resp) error {
	data, err := c.codec.Encode(rep)
	if err != nil {
		return err
	}
	if err := c.main.Write(data); err != nil {
		c.logger.Error("failed to send response", "error", err)
		return err
	}
	return nil
}

// Close closes both channels. Idempotent.
func (c *TransportClient[Req, Resp, Update]) Close() error {
	c.markClosed(nil)
	errMain := c.main.Close()
	errUpdates := c.updates.Close()
	if errMain != nil {
		return errMain
	}
	return errUpdates
}

// Done returns a channel that closes once the client's closed latch is
// set.
func (c *TransportClient[Req, Resp, Update]) Done() <-chan struct{} { return c.closedCh }

// Err returns the cause the closed latch was set with, or nil.
func (c *TransportClient[Req, Resp, Update]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErr
}

func (c *TransportClient[Req, Resp, Update]) markClosed(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closedErr = err
		c.mu.Unlock()
		close(c.closedCh)
	})
}
