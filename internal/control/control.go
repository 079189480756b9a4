// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package control implements a small stand-in for the privileged
// control daemon that, in a real deployment, decides what a worker
// process should run and hands it the already-negotiated session
// parameters. It is not itself part of the qrexec protocol: it exists
// so this repository is runnable end-to-end without an external
// process supplying dispatch requests.
//
// One DispatchRequest is read per accepted connection, translated into
// a call into internal/dispatch, and answered with one
// DispatchResponse carrying the resulting exit code.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/alimirjamali/qubes-core-qrexec/internal/agentconfig"
	"github.com/alimirjamali/qubes-core-qrexec/internal/codec"
	"github.com/alimirjamali/qubes-core-qrexec/internal/dispatch"
)

// DispatchRequest is the wire shape of one control-plane request,
// grounded on the same action/descriptor/buffer-size shape as a
// daemon-to-launcher IPC request: a request kind, the (domain, port)
// to rendezvous on, an optional command line, and an optional buffer
// size override. SERVICE_CONNECT additionally expects up to three
// descriptors to arrive as SCM_RIGHTS ancillary data alongside the
// CBOR payload (see readRequest), since file descriptors cannot be
// named inside the encoded message itself.
type DispatchRequest struct {
	// Kind is one of "just_exec", "exec_cmdline", "service_connect".
	Kind string `cbor:"kind"`

	Domain uint32 `cbor:"domain"`
	Port   uint32 `cbor:"port"`

	Cmdline    string `cbor:"cmdline,omitempty"`
	BufferSize int    `cbor:"buffer_size,omitempty"`
}

// DispatchResponse is the wire shape of one control-plane response.
type DispatchResponse struct {
	OK       bool   `cbor:"ok"`
	Error    string `cbor:"error,omitempty"`
	ExitCode int    `cbor:"exit_code,omitempty"`
}

func (r DispatchRequest) toDispatchKind() (dispatch.Kind, error) {
	switch r.Kind {
	case "just_exec":
		return dispatch.KindJustExec, nil
	case "exec_cmdline":
		return dispatch.KindExecCmdline, nil
	case "service_connect":
		return dispatch.KindServiceConnect, nil
	default:
		return 0, fmt.Errorf("control: unknown request kind %q", r.Kind)
	}
}

// Listener accepts control connections on a single Unix socket and
// dispatches each one, logging session-lifecycle events through
// logger. The zero value is not usable; construct with Listen.
type Listener struct {
	ln     *net.UnixListener
	cfg    agentconfig.Config
	logger *slog.Logger
}

// Listen binds cfg.ControlSocketPath, removing any stale socket left
// behind by a prior run.
func Listen(cfg agentconfig.Config, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	os.Remove(cfg.ControlSocketPath)
	addr, err := net.ResolveUnixAddr("unix", cfg.ControlSocketPath)
	if err != nil {
		return nil, fmt.Errorf("control: resolving %s: %w", cfg.ControlSocketPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listening on %s: %w", cfg.ControlSocketPath, err)
	}
	return &Listener{ln: ln, cfg: cfg, logger: logger}, nil
}

// Addr returns the bound socket path.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until ctx is canceled or Close is called,
// handling each one in its own goroutine. Per-connection concurrency
// mirrors the real qrexec-daemon's one-process-per-request model: each
// accepted connection triggers dispatch.Dispatch, which for
// EXEC_CMDLINE/JUST_EXEC spawns an independent OS process, so there is
// no shared session state between connections to serialize against.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control: accepting connection: %w", err)
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	req, fds, err := readRequest(conn)
	if err != nil {
		l.logger.Error("control: reading request", "error", err)
		writeResponse(conn, l.logger, DispatchResponse{OK: false, Error: err.Error()})
		return
	}

	kind, err := req.toDispatchKind()
	if err != nil {
		closeFDs(fds)
		writeResponse(conn, l.logger, DispatchResponse{OK: false, Error: err.Error()})
		return
	}
	// Only SERVICE_CONNECT transfers descriptor ownership into the
	// multiplexer, which closes them itself as the session winds down;
	// for the other two kinds nothing consumes fds, so close them here
	// rather than leak them.
	if kind != dispatch.KindServiceConnect {
		defer closeFDs(fds)
	}

	dreq := dispatch.Request{
		Kind:       kind,
		Domain:     req.Domain,
		Port:       req.Port,
		Cmdline:    req.Cmdline,
		BufferSize: req.BufferSize,
	}
	for i := 0; i < len(fds) && i < 3; i++ {
		dreq.StdioFDs[i] = fds[i]
	}
	for i := len(fds); i < 3; i++ {
		dreq.StdioFDs[i] = -1
	}

	exitCode, err := dispatch.Dispatch(ctx, l.logger, l.cfg, dreq)
	if err != nil {
		l.logger.Error("control: dispatch failed", "error", err)
		writeResponse(conn, l.logger, DispatchResponse{OK: false, Error: err.Error()})
		return
	}
	writeResponse(conn, l.logger, DispatchResponse{OK: true, ExitCode: exitCode})
}

// readRequest reads exactly one CBOR-encoded DispatchRequest from
// conn, along with any descriptors sent as SCM_RIGHTS ancillary data
// in the same datagram-equivalent read. The request and its
// descriptors (if any) must arrive in a single write on the client
// side — ReadMsgUnix only surfaces ancillary data attached to the
// read that consumed it.
func readRequest(conn *net.UnixConn) (DispatchRequest, []int, error) {
	data := make([]byte, 128*1024)
	oob := make([]byte, unix.CmsgSpace(3*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(data, oob)
	if err != nil {
		return DispatchRequest{}, nil, fmt.Errorf("control: reading message: %w", err)
	}

	var req DispatchRequest
	if err := codec.Unmarshal(data[:n], &req); err != nil {
		return DispatchRequest{}, nil, fmt.Errorf("control: decoding request: %w", err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return DispatchRequest{}, nil, fmt.Errorf("control: parsing ancillary descriptors: %w", err)
	}
	return req, fds, nil
}

// parseRights extracts any file descriptors carried as SCM_RIGHTS
// ancillary data.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, scm := range scms {
		rights, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func writeResponse(conn *net.UnixConn, logger *slog.Logger, resp DispatchResponse) {
	data, err := codec.Marshal(resp)
	if err != nil {
		logger.Error("control: encoding response", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		logger.Error("control: writing response", "error", err)
	}
}
