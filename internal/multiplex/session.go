// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package multiplex implements the bidirectional I/O multiplexer that
// is the core of this repository. Run bridges one vchan to a local
// child's stdin/stdout/stderr until both sides are done, then reports
// the child's exit status over the vchan.
package multiplex

import (
	"bytes"
	"log/slog"

	"github.com/alimirjamali/qubes-core-qrexec/internal/agentconfig"
	"github.com/alimirjamali/qubes-core-qrexec/internal/frame"
	"github.com/alimirjamali/qubes-core-qrexec/internal/signalflags"
	"github.com/alimirjamali/qubes-core-qrexec/internal/vchan"
)

// Orientation captures which local role the session plays, and
// therefore which frame type it tags its own output with.
type Orientation int

const (
	// OrientExec is the common case: a locally spawned child's stdout
	// is tagged DATA_STDOUT.
	OrientExec Orientation = iota
	// OrientServiceConnect bridges two already-open local descriptors
	// without spawning a child; what this session calls its "stdout"
	// is semantically the other side's stdin, so it is tagged
	// DATA_STDIN instead.
	OrientServiceConnect
)

// outputTag returns the frame Type this session's locally-produced
// "stdout" stream is sent as, applying the orientation-dependent remap.
func (o Orientation) outputTag() frame.Type {
	if o == OrientServiceConnect {
		return frame.TypeDataStdin
	}
	return frame.TypeDataStdout
}

// Session is the ephemeral state bound to one worker process, threaded
// explicitly through every operation instead of living in package-level
// globals.
type Session struct {
	Channel vchan.Channel

	NegotiatedVersion int
	ChildPID          int // 0 if none (service-connect mode)
	Orientation       Orientation

	Stdin  *descriptor
	Stdout *descriptor
	Stderr *descriptor

	// StdinBuffer holds vchan-read bytes not yet accepted by stdin.
	// Unbounded in principle; in practice bounded by vchan ring size.
	StdinBuffer bytes.Buffer

	// LocalExitCode and RemoteExitCode are nil until observed.
	LocalExitCode  *int
	RemoteExitCode *int

	// exitSent guards the invariant that an exit-code frame is sent to
	// the remote at most once.
	exitSent bool

	// remoteStdinEOF records that the remote's zero-length DATA_STDIN
	// frame has been seen. Closing stdin's write side is deferred until
	// StdinBuffer has fully drained into it, since the EOF frame and the
	// data frames preceding it can arrive in the same decode batch.
	remoteStdinEOF bool

	ReplaceCharsStdout agentconfig.TriState
	ReplaceCharsStderr agentconfig.TriState

	Flags *signalflags.Flags

	SelectTimeoutSeconds int64

	// Logger receives the session-lifecycle diagnostics the original
	// process sent to stderr with fprintf: spawn outcome, child exit,
	// exit-code transmission. Never nil — NewSession defaults it to
	// slog.Default() so callers that don't care about logging don't
	// need a nil check.
	Logger *slog.Logger
}

// NewSession builds a Session from raw descriptors, classifying each
// one against whether a local child exists. Pass -1 for any of
// stdinFD/stdoutFD/stderrFD that has no backing descriptor (service-
// connect sessions missing one of the three caller-supplied streams).
// logger may be nil, in which case slog.Default() is used.
func NewSession(
	ch vchan.Channel,
	negotiatedVersion, childPID int,
	orientation Orientation,
	stdinFD, stdoutFD, stderrFD int,
	flags *signalflags.Flags,
	replaceStdout, replaceStderr agentconfig.TriState,
	selectTimeoutSeconds int64,
	logger *slog.Logger,
) *Session {
	hasChild := childPID != 0
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Channel:              ch,
		NegotiatedVersion:    negotiatedVersion,
		ChildPID:             childPID,
		Orientation:          orientation,
		Stdin:                newDescriptor(stdinFD, hasChild),
		Stdout:               newDescriptor(stdoutFD, hasChild),
		Stderr:               newDescriptor(stderrFD, hasChild),
		Flags:                flags,
		ReplaceCharsStdout:   replaceStdout,
		ReplaceCharsStderr:   replaceStderr,
		SelectTimeoutSeconds: selectTimeoutSeconds,
		Logger:               logger,
	}
}

// descriptorKind classifies a file descriptor's close semantics,
// recorded once at acquisition time so close sites dispatch on a
// tagged variant rather than probing the descriptor at every close.
type descriptorKind int

const (
	kindPipe descriptorKind = iota
	kindSocket
	kindInherited
)

// descriptor wraps one of the three stdio file descriptors with the
// bookkeeping the multiplexer needs: its numeric value (-1 once
// logically closed) and its close-semantics kind.
type descriptor struct {
	fd   int
	kind descriptorKind
}

// closed reports whether this descriptor is logically closed for this
// session: fd == -1, or the descriptor itself is nil.
func (d *descriptor) closed() bool {
	return d == nil || d.fd == -1
}
