// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kernel-remote/kerneltransport/lib/netutil"
)

// keepaliveInterval is the period at which a FramedSocket sends a
// zero-length keepalive frame when no real traffic is in flight. It is
// the only mechanism for detecting a peer that has vanished without
// closing the TCP connection (a killed process on the same host, a
// partitioned network path).
const keepaliveInterval = 250 * time.Millisecond

// FramedSocket presents a single TCP connection as a duplex sequence of
// length-prefixed frames. Reads and writes of whole frames are safe to
// call from separate goroutines; concurrent writers are serialized.
//
// Exactly one goroutine should call Read (or drive Frames) at a time;
// FramedSocket does not serialize reads the way it serializes writes,
// since a socket's read side has no legitimate multi-writer use.
type FramedSocket struct {
	conn   net.Conn
	logger *slog.Logger
	clock  Clock

	writeSem chan struct{} // capacity 1, held while a frame write is in flight

	closedOnce sync.Once
	closedCh   chan struct{}
	closedErr  error

	mu        sync.Mutex
	connected bool

	keepaliveEnabled bool
	metrics          *Metrics
}

// FramedSocketOption configures a FramedSocket at construction.
type FramedSocketOption func(*FramedSocket)

// WithLogger overrides the socket's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) FramedSocketOption {
	return func(s *FramedSocket) { s.logger = logger }
}

// WithClock overrides the socket's ticker source. Defaults to a
// realClock. Tests inject a fakeClock to control keepalive timing
// deterministically instead of sleeping real wall-clock milliseconds.
func WithClock(c Clock) FramedSocketOption {
	return func(s *FramedSocket) { s.clock = c }
}

// WithoutKeepalive disables the background keepalive goroutine. Used by
// tests that want to control every frame on the wire explicitly.
func WithoutKeepalive() FramedSocketOption {
	return func(s *FramedSocket) { s.keepaliveEnabled = false }
}

// WithMetrics attaches counters that track frames and keepalives on
// this socket.
func WithMetrics(m *Metrics) FramedSocketOption {
	return func(s *FramedSocket) { s.metrics = m }
}

// NewFramedSocket wraps an established connection. The keepalive
// goroutine starts immediately unless WithoutKeepalive is given.
func NewFramedSocket(conn net.Conn, opts ...FramedSocketOption) *FramedSocket {
	s := &FramedSocket{
		conn:             conn,
		logger:           slog.Default(),
		clock:            realClock(),
		writeSem:         make(chan struct{}, 1),
		closedCh:         make(chan struct{}),
		connected:        true,
		keepaliveEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keepaliveEnabled {
		go s.runKeepalive()
	}
	return s
}

func (s *FramedSocket) runKeepalive() {
	ticker := s.clock.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SendKeepalive(); err != nil {
				return
			}
		case <-s.closedCh:
			return
		}
	}
}

// Write sends one frame carrying payload. Acquires the write mutex for
// the full call so the length prefix and payload land on the wire
// contiguously; a partially written frame would corrupt the stream, so
// Write takes no context and cannot be cancelled once it starts.
func (s *FramedSocket) Write(payload []byte) error {
	if len(payload) > maxPayloadLength {
		return &EncodeError{Err: errors.New("transport: payload exceeds maximum frame size")}
	}

	buf := make([]byte, lengthFieldSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthFieldSize], uint32(len(payload)))
	copy(buf[lengthFieldSize:], payload)

	s.writeSem <- struct{}{}
	defer func() { <-s.writeSem }()

	if _, err := s.conn.Write(buf); err != nil {
		s.fail(err)
		return err
	}
	if s.metrics != nil {
		s.metrics.FramesSent.Inc()
	}
	return nil
}

// SendKeepalive writes a zero-length frame if no real write is
// currently in flight. It never blocks and never queues: if the write
// mutex is held, a real message is already on the wire and serves the
// same liveness-signaling purpose.
func (s *FramedSocket) SendKeepalive() error {
	select {
	case s.writeSem <- struct{}{}:
	default:
		return nil
	}
	defer func() { <-s.writeSem }()

	var header [lengthFieldSize]byte
	if _, err := s.conn.Write(header[:]); err != nil {
		s.fail(err)
		return err
	}
	if s.metrics != nil {
		s.metrics.KeepalivesSent.Inc()
	}
	return nil
}

// Read returns the next frame's payload. ok is false when the peer
// closed the connection or sent the peer-closed sentinel (a negative
// length); this is not reported as an error. payload is nil for a
// keepalive frame with ok true; callers should loop and call Read
// again. A non-nil err is a real I/O failure, distinct from an orderly
// close.
func (s *FramedSocket) Read(ctx context.Context) (payload []byte, ok bool, err error) {
	watcherDone := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.conn.SetReadDeadline(time.Unix(0, 1))
		case <-readDone:
		}
		close(watcherDone)
	}()
	defer func() {
		close(readDone)
		<-watcherDone
		s.conn.SetReadDeadline(time.Time{})
	}()

	var header [lengthFieldSize]byte
	if _, readErr := io.ReadFull(s.conn, header[:]); readErr != nil {
		if ctx.Err() != nil && isDeadlineExceeded(readErr) {
			return nil, false, ctx.Err()
		}
		if netutil.IsExpectedCloseError(readErr) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			s.logger.Info("framed socket closed by peer", "remote_addr", s.remoteAddr())
			s.markClosed(nil)
			return nil, false, nil
		}
		s.fail(readErr)
		return nil, false, readErr
	}

	length := int32(binary.BigEndian.Uint32(header[:]))
	switch {
	case length < 0:
		s.markClosed(nil)
		return nil, false, nil
	case length == 0:
		return nil, true, nil
	case int(length) > maxPayloadLength:
		decodeErr := &DecodeError{Err: fmt.Errorf("transport: frame length %d exceeds maximum %d", length, maxPayloadLength)}
		s.fail(decodeErr)
		return nil, false, decodeErr
	}

	buf := make([]byte, length)
	if _, readErr := io.ReadFull(s.conn, buf); readErr != nil {
		if netutil.IsExpectedCloseError(readErr) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			s.logger.Info("framed socket closed by peer mid-frame", "remote_addr", s.remoteAddr())
			s.markClosed(nil)
			return nil, false, nil
		}
		s.fail(readErr)
		return nil, false, readErr
	}
	if s.metrics != nil {
		s.metrics.FramesReceived.Inc()
	}
	return buf, true, nil
}

// Frames returns a channel of payloads, skipping keepalives, closed
// when the socket's read side terminates (orderly or not). At most one
// terminal error rides the channel as the last Frame before it closes.
func (s *FramedSocket) Frames(ctx context.Context) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for {
			payload, ok, err := s.Read(ctx)
			if err != nil {
				select {
				case out <- Frame{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if !ok {
				return
			}
			if payload == nil {
				continue // keepalive
			}
			select {
			case out <- Frame{Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close closes the underlying connection and marks the socket's closed
// latch, if not already set. Idempotent.
func (s *FramedSocket) Close() error {
	s.writeSem <- struct{}{}
	err := s.conn.Close()
	<-s.writeSem
	s.markClosed(nil)
	return err
}

// Done returns a channel that closes once the socket's closed latch is
// set, whether by Close, a read/write failure, or an orderly peer close.
func (s *FramedSocket) Done() <-chan struct{} { return s.closedCh }

// Err returns the error the closed latch was set with, or nil for an
// orderly close. Only meaningful after Done() has fired.
func (s *FramedSocket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErr
}

// IsConnected reports whether the socket's closed latch has not yet
// been set.
func (s *FramedSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *FramedSocket) fail(err error) {
	s.logger.Error("framed socket I/O failure", "remote_addr", s.remoteAddr(), "error", err)
	s.markClosed(err)
	s.conn.Close()
}

func (s *FramedSocket) markClosed(err error) {
	s.closedOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		s.closedErr = err
		s.mu.Unlock()
		close(s.closedCh)
	})
}

func (s *FramedSocket) remoteAddr() string {
	if s.conn == nil {
		return ""
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func isDeadlineExceeded(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
