// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters a SocketTransport reports to when
// SocketTransportConfig.Metrics is set (and a FramedSocket reports to
// when constructed with WithMetrics). All metrics are registered against
// the caller-supplied registry so multiple transports in one process
// can share or separate their metric namespaces at the caller's choice.
type Metrics struct {
	FramesSent       prometheus.Counter
	FramesReceived   prometheus.Counter
	KeepalivesSent   prometheus.Counter
	HandshakeResults *prometheus.CounterVec
}

// NewMetrics registers and returns a Metrics bound to registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel_transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to any FramedSocket, excluding keepalives.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel_transport",
			Name:      "frames_received_total",
			Help:      "Frames read from any FramedSocket, excluding keepalives.",
		}),
		KeepalivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel_transport",
			Name:      "keepalives_sent_total",
			Help:      "Zero-length keepalive frames successfully written.",
		}),
		HandshakeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel_transport",
			Name:      "handshake_results_total",
			Help:      "Channel-identify handshake outcomes, labeled by result.",
		}, []string{"result"}),
	}
	// Create both result series up front so the handshake family is
	// gathered (at zero) before the first handshake completes.
	m.HandshakeResults.WithLabelValues("ok")
	m.HandshakeResults.WithLabelValues("failed")
	registry.MustRegister(m.FramesSent, m.FramesReceived, m.KeepalivesSent, m.HandshakeResults)
	return m
}
