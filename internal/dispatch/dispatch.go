// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the three request kinds a worker can be
// started to serve: a detached fire-and-forget spawn, a spawn bridged
// through the I/O multiplexer, and a multiplexer bridge over
// caller-supplied descriptors with no local spawn at all. Dispatch is
// the one function internal/control calls per accepted connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/alimirjamali/qubes-core-qrexec/internal/agentconfig"
	"github.com/alimirjamali/qubes-core-qrexec/internal/frame"
	"github.com/alimirjamali/qubes-core-qrexec/internal/multiplex"
	"github.com/alimirjamali/qubes-core-qrexec/internal/signalflags"
	"github.com/alimirjamali/qubes-core-qrexec/internal/spawn"
	"github.com/alimirjamali/qubes-core-qrexec/internal/vchan"
)

// Kind is one of the three request kinds a Request may carry.
type Kind int

const (
	KindJustExec Kind = iota
	KindExecCmdline
	KindServiceConnect
)

func (k Kind) String() string {
	switch k {
	case KindJustExec:
		return "JUST_EXEC"
	case KindExecCmdline:
		return "EXEC_CMDLINE"
	case KindServiceConnect:
		return "SERVICE_CONNECT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Request is everything one dispatch call needs: which behavior to
// run, which peer to rendezvous with, and (depending on Kind) a
// command line or a triple of caller-supplied descriptors.
type Request struct {
	Kind Kind

	Domain uint32
	Port   uint32

	// Cmdline is the "user:command" string. Required for JUST_EXEC and
	// EXEC_CMDLINE; must be empty for SERVICE_CONNECT.
	Cmdline string

	// StdioFDs holds caller-supplied stdin/stdout/stderr for
	// SERVICE_CONNECT; -1 in any slot means "no descriptor". Ignored
	// for the other two kinds.
	StdioFDs [3]int

	// BufferSize is the requested vchan ring size in each direction.
	// Zero selects cfg.DefaultBufferSize; any non-zero value must be a
	// power of two.
	BufferSize int
}

// ErrInvalidBufferSize marks a requested buffer size that is not a
// power of two.
var ErrInvalidBufferSize = errors.New("dispatch: buffer size must be a power of two")

// Dispatch validates req, rendezvous with the peer over a vchan keyed
// on (Domain, Port), and runs the behavior req.Kind selects. It
// returns the exit code the worker process should itself exit with.
//
// Every call stamps its own session ID (a UUID) for log correlation
// across the handshake, the multiplexer, and the control-plane
// response; logger is nil-safe (slog.Default() is used when nil).
func Dispatch(ctx context.Context, logger *slog.Logger, cfg agentconfig.Config, req Request) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := validate(cfg, req); err != nil {
		return 0, err
	}

	sessionID := uuid.New().String()
	logger = logger.With("session_id", sessionID, "peer_domain", req.Domain, "peer_port", req.Port, "kind", req.Kind.String())

	bufSize := req.BufferSize
	if bufSize == 0 {
		bufSize = cfg.DefaultBufferSize
	}
	socketPath := vchan.SocketPath(cfg.VchanSocketDir, req.Domain, req.Port)

	switch req.Kind {
	case KindServiceConnect:
		return dispatchServiceConnect(ctx, logger, cfg, req, socketPath, bufSize)
	case KindJustExec:
		return dispatchJustExec(ctx, logger, cfg, req, socketPath, bufSize)
	case KindExecCmdline:
		return dispatchExecCmdline(ctx, logger, cfg, req, socketPath, bufSize)
	default:
		return 0, fmt.Errorf("%w: unknown request kind %v", frame.ErrProtocolViolation, req.Kind)
	}
}

func validate(cfg agentconfig.Config, req Request) error {
	switch req.Kind {
	case KindServiceConnect:
		if req.Cmdline != "" {
			return fmt.Errorf("%w: SERVICE_CONNECT must not carry a command line", frame.ErrProtocolViolation)
		}
	case KindJustExec, KindExecCmdline:
		if req.Cmdline == "" {
			return fmt.Errorf("%w: command line must be non-empty", frame.ErrProtocolViolation)
		}
		if len(req.Cmdline) > cfg.MaxCommandLineLength {
			return fmt.Errorf("%w: command line exceeds %d bytes", frame.ErrProtocolViolation, cfg.MaxCommandLineLength)
		}
	default:
		return fmt.Errorf("%w: unknown request kind %v", frame.ErrProtocolViolation, req.Kind)
	}
	if req.BufferSize != 0 && !isPowerOfTwo(req.BufferSize) {
		return fmt.Errorf("%w: %d", ErrInvalidBufferSize, req.BufferSize)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// dispatchServiceConnect creates the vchan server side, bridges the
// caller-supplied descriptors through the multiplexer with the
// output-tag remap service-connect mode requires, and returns the
// remote's exit code.
func dispatchServiceConnect(ctx context.Context, logger *slog.Logger, cfg agentconfig.Config, req Request, socketPath string, bufSize int) (int, error) {
	ch, err := vchan.Listen(socketPath, bufSize)
	if err != nil {
		return 0, fmt.Errorf("dispatch: creating vchan server: %w", err)
	}
	defer ch.Close()

	negotiated, err := frame.Handshake(ctx, ch, cfg.LocalProtocolVersion, cfg.MinSupportedVersion)
	if err != nil {
		return 0, err
	}

	flags, err := signalflags.New()
	if err != nil {
		return 0, fmt.Errorf("dispatch: installing signal handlers: %w", err)
	}
	defer flags.Stop()

	s := multiplex.NewSession(
		ch, negotiated, 0, multiplex.OrientServiceConnect,
		req.StdioFDs[0], req.StdioFDs[1], req.StdioFDs[2],
		flags, cfg.ReplaceCharsStdout, cfg.ReplaceCharsStderr,
		int64(cfg.SelectTimeout.Seconds()), logger,
	)
	logger.Info("bridging caller-supplied descriptors")
	return multiplex.Run(ctx, s)
}

// dispatchJustExec connects as a vchan client, hands the command line
// to a detached spawn, and immediately reports an exit code: 0 on a
// successful parse (the spawn itself is fire-and-forget and does not
// affect this result), or -1 if the command line was missing its ':'
// separator.
func dispatchJustExec(ctx context.Context, logger *slog.Logger, cfg agentconfig.Config, req Request, socketPath string, bufSize int) (int, error) {
	ch, err := vchan.Dial(socketPath, bufSize)
	if err != nil {
		return 0, fmt.Errorf("dispatch: connecting to vchan server: %w", err)
	}
	defer ch.Close()

	if _, err := frame.Handshake(ctx, ch, cfg.LocalProtocolVersion, cfg.MinSupportedVersion); err != nil {
		return 0, err
	}

	exitCode := 0
	if err := spawn.JustExec(req.Cmdline); err != nil {
		if errors.Is(err, spawn.ErrMissingSeparator) {
			exitCode = -1
		} else {
			logger.Error("just-exec spawn failed", "error", err)
		}
	} else {
		logger.Info("executed (nowait)", "cmdline", req.Cmdline)
	}
	if err := frame.SendFrame(ch, frame.TypeDataExitCode, frame.EncodeExitCode(exitCode)); err != nil {
		return 0, err
	}
	logger.Info("sending exit code", "exit_code", exitCode)
	return exitCode, nil
}

// dispatchExecCmdline connects as a vchan client, spawns the command
// with bridged stdio, and runs the multiplexer until both sides
// finish. A spawn failure is logged but is not itself fatal: the
// multiplexer still runs with no local child, terminating once the
// remote side finishes and yielding the remote's exit code.
func dispatchExecCmdline(ctx context.Context, logger *slog.Logger, cfg agentconfig.Config, req Request, socketPath string, bufSize int) (int, error) {
	ch, err := vchan.Dial(socketPath, bufSize)
	if err != nil {
		return 0, fmt.Errorf("dispatch: connecting to vchan server: %w", err)
	}
	defer ch.Close()

	negotiated, err := frame.Handshake(ctx, ch, cfg.LocalProtocolVersion, cfg.MinSupportedVersion)
	if err != nil {
		return 0, err
	}

	flags, err := signalflags.New()
	if err != nil {
		return 0, fmt.Errorf("dispatch: installing signal handlers: %w", err)
	}
	defer flags.Stop()

	pid, stdinFD, stdoutFD, stderrFD := 0, -1, -1, -1
	result, spawnErr := spawn.ExecWithIO(req.Cmdline)
	if spawnErr != nil {
		logger.Error("spawn failed", "error", spawnErr)
	} else {
		pid = result.PID
		var fdErr error
		stdinFD, stdoutFD, stderrFD, fdErr = takeFDs(result)
		if fdErr != nil {
			return 0, fmt.Errorf("dispatch: taking ownership of spawned descriptors: %w", fdErr)
		}
		logger.Info("executed", "cmdline", req.Cmdline, "pid", pid)
	}

	s := multiplex.NewSession(
		ch, negotiated, pid, multiplex.OrientExec,
		stdinFD, stdoutFD, stderrFD,
		flags, cfg.ReplaceCharsStdout, cfg.ReplaceCharsStderr,
		int64(cfg.SelectTimeout.Seconds()), logger,
	)
	return multiplex.Run(ctx, s)
}

// takeFDs converts the three *os.File pipe ends in r into raw
// descriptors the multiplexer owns outright. Each *os.File is
// duplicated with F_DUPFD_CLOEXEC and then closed, so the original
// File's finalizer runs against an already-closed descriptor instead
// of the duplicate the multiplexer goes on to use: without this, the
// finalizer would eventually call close(2) on a descriptor number the
// multiplexer may already have closed and the runtime may already have
// reassigned to an unrelated resource.
func takeFDs(r spawn.Result) (stdinFD, stdoutFD, stderrFD int, err error) {
	stdinFD, err = takeFD(r.Stdin)
	if err != nil {
		return -1, -1, -1, err
	}
	stdoutFD, err = takeFD(r.Stdout)
	if err != nil {
		unix.Close(stdinFD)
		return -1, -1, -1, err
	}
	stderrFD, err = takeFD(r.Stderr)
	if err != nil {
		unix.Close(stdinFD)
		unix.Close(stdoutFD)
		return -1, -1, -1, err
	}
	return stdinFD, stdoutFD, stderrFD, nil
}

func takeFD(f *os.File) (int, error) {
	dup, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		f.Close()
		return -1, fmt.Errorf("duplicating %s: %w", f.Name(), err)
	}
	f.Close()
	return dup, nil
}
