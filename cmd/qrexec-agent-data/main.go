// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Command qrexec-agent-data is the per-VM worker process: it listens
// for dispatch requests on a control socket and, for each one, either
// bridges a spawned child's stdio to a vchan, bridges caller-supplied
// descriptors to a vchan with no local spawn, or fires off a detached
// command with no bridging at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alimirjamali/qubes-core-qrexec/internal/agentconfig"
	"github.com/alimirjamali/qubes-core-qrexec/internal/control"
	"github.com/alimirjamali/qubes-core-qrexec/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML configuration file (optional; defaults are used when empty)")
		socketPath = flag.String("control-socket", "", "override the control socket path from config")
	)
	flag.Parse()

	cfg := agentconfig.Default()
	if *configPath != "" {
		loaded, err := agentconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if *socketPath != "" {
		cfg.ControlSocketPath = *socketPath
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := control.Listen(cfg, logger)
	if err != nil {
		return fmt.Errorf("starting control listener: %w", err)
	}
	defer listener.Close()

	logger.Info("listening for dispatch requests", "control_socket", listener.Addr())
	if err := listener.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving control connections: %w", err)
	}
	return nil
}
