// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command kernel-remote-server deploys a kernel-remote-client subprocess
// and exchanges a handful of requests and responses over a
// SocketTransport, demonstrating the full transport end to end:
//
//  1. Bind an ephemeral TCP listener.
//  2. Deploy the client binary, passing it the listener's address.
//  3. Accept its two connections and complete the channel-identify
//     handshake.
//  4. Send a few requests, print the decoded responses, then send a
//     shutdown request and wait for the client to exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kernel-remote/kerneltransport/kernelmsg"
	"github.com/kernel-remote/kerneltransport/lib/process"
	"github.com/kernel-remote/kerneltransport/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	clientPath := flag.String("client", "kernel-remote-client", "path to the kernel-remote-client binary")
	requestCount := flag.Int("requests", 3, "number of requests to send before shutting down")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var metrics *transport.Metrics
	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics = transport.NewMetrics(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer metricsServer.Close()
		logger.Info("serving metrics", "address", *metricsAddr)
	}

	deploy := transport.ExecDeploy{
		Command: func(listenerAddress string) (string, []string) {
			return *clientPath, []string{"-server", listenerAddress}
		},
		Logger: logger,
	}

	server, err := transport.Serve[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update](
		ctx, deploy, transport.SocketTransportConfig{Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	defer server.Close(context.Background())

	logger.Info("kernel connected", "address", server.Address())

	responses := server.Responses(ctx)

	for i := 0; i < *requestCount; i++ {
		if err := server.SendNotebookUpdate(ctx, kernelmsg.Update{
			Kind: kernelmsg.UpdateKindStream,
			Text: fmt.Sprintf("dispatching request %d", i),
		}); err != nil {
			return fmt.Errorf("sending notebook update %d: %w", i, err)
		}

		req := kernelmsg.Request{ID: uuid.New(), Kind: kernelmsg.KindExecute, Code: fmt.Sprintf("request-%d", i)}
		if err := server.SendRequest(ctx, req); err != nil {
			return fmt.Errorf("sending request %d: %w", i, err)
		}

		select {
		case frame := <-responses:
			if frame.Err != nil {
				logger.Warn("response decode error", "error", frame.Err)
				continue
			}
			logger.Info("response received", "status", frame.Value.Status, "output", frame.Value.Output)
		case <-time.After(10 * time.Second):
			return fmt.Errorf("timed out waiting for response %d", i)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := server.SendRequest(ctx, kernelmsg.NewShutdownRequest()); err != nil {
		return fmt.Errorf("sending shutdown request: %w", err)
	}

	<-server.Done()
	return server.Err()
}
