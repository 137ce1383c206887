// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command kernel-remote-client plays the deployed-kernel side of the
// transport: it connects two TCP sockets back to the address given by
// -server, identifies them via the channel-identify handshake, answers
// every request with a trivial echo response, and exits once it
// receives a shutdown request.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

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
	serverAddress := flag.String("server", "", "address of the kernel-remote-server listener")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9091)")
	flag.Parse()
	if *serverAddress == "" {
		return fmt.Errorf("-server is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

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

	client, err := transport.Connect[kernelmsg.Request, kernelmsg.Response, kernelmsg.Update](
		ctx, *serverAddress, kernelmsg.IsShutdown, transport.SocketTransportConfig{Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer client.Close()

	for frame := range client.Requests(ctx) {
		if frame.Err != nil {
			logger.Warn("request decode error", "error", frame.Err)
			continue
		}
		req := frame.Value
		logger.Info("request received", "kind", req.Kind, "code", req.Code)

		if kernelmsg.IsShutdown(req) {
			resp := kernelmsg.Response{ID: req.ID, Status: kernelmsg.StatusOK}
			if err := client.SendResponse(ctx, resp); err != nil {
				return fmt.Errorf("sending shutdown response: %w", err)
			}
			break
		}

		resp := kernelmsg.Response{ID: req.ID, Status: kernelmsg.StatusOK, Output: "echo: " + req.Code}
		if err := client.SendResponse(ctx, resp); err != nil {
			return fmt.Errorf("sending response: %w", err)
		}
	}

	return nil
}
