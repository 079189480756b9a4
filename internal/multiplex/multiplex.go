// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alimirjamali/qubes-core-qrexec/internal/frame"
	"github.com/alimirjamali/qubes-core-qrexec/internal/signalflags"
)

// defaultSelectTimeout bounds how long one iteration of Run may block
// when there is nothing buffered and no descriptor is ready, so the
// loop still wakes periodically even if every fd is quiet.
const defaultSelectTimeout = 10 * time.Second

// Run bridges one negotiated session's vchan to its local child's
// stdio until both sides have finished, then reports the child's exit
// status over the vchan and returns it to the caller. On every return
// that follows the main loop, including the early SERVICE_CONNECT
// return when the remote reports its exit code, the three descriptors
// on s are closed (fully or half, depending on their kind) by teardown.
//
// ctx cancellation is checked once per loop iteration, between select
// calls; it does not interrupt a select already in flight, since the
// bounded timeout already caps how long that can block.
func Run(ctx context.Context, s *Session) (int, error) {
	if err := prepareDescriptors(s); err != nil {
		return 0, fmt.Errorf("preparing descriptors: %w", err)
	}

	timeout := defaultSelectTimeout
	if s.SelectTimeoutSeconds > 0 {
		timeout = time.Duration(s.SelectTimeoutSeconds) * time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if s.Flags.TakeChildExited() && s.ChildPID > 0 && s.LocalExitCode == nil {
			if code, ok, err := reapChild(s.ChildPID); err != nil {
				return 0, fmt.Errorf("reaping child: %w", err)
			} else if ok {
				s.LocalExitCode = &code
				s.Stdin.closeWrite()
				s.Logger.Info("child exited", "pid", s.ChildPID, "exit_code", code)
			}
		}

		localDone := s.ChildPID == 0 || s.LocalExitCode != nil
		remoteDone := s.ChildPID != 0 || s.RemoteExitCode != nil
		if localDone && remoteDone && s.Stdin.closed() && s.Stdout.closed() && s.Stderr.closed() {
			if s.LocalExitCode != nil {
				if err := sendExitCode(s, *s.LocalExitCode); err != nil {
					return 0, err
				}
			}
			break
		}
		if !s.Channel.IsOpen() && s.Channel.DataReady() == 0 && s.StdinBuffer.Len() == 0 {
			break
		}

		if s.Flags.CollapseState() == signalflags.CollapsePending {
			if err := applyStdioCollapse(s); err != nil {
				return 0, fmt.Errorf("collapsing stdio: %w", err)
			}
			s.Flags.MarkCollapseApplied()
		}

		var rset, wset unix.FdSet
		fdZero(&rset)
		fdZero(&wset)
		nfds := 0

		wakeFD := s.Flags.WakeFD()
		fdSet(wakeFD, &rset)
		nfds = max(nfds, wakeFD+1)

		vchanFD := s.Channel.EventFD()
		fdSet(vchanFD, &rset)
		nfds = max(nfds, vchanFD+1)

		if !s.Stdout.closed() && s.Channel.BufferSpace() > frame.HeaderSize {
			fdSet(s.Stdout.fd, &rset)
			nfds = max(nfds, s.Stdout.fd+1)
		}
		if !s.Stderr.closed() && s.Channel.BufferSpace() > frame.HeaderSize {
			fdSet(s.Stderr.fd, &rset)
			nfds = max(nfds, s.Stderr.fd+1)
		}
		if !s.Stdin.closed() && s.StdinBuffer.Len() > 0 {
			fdSet(s.Stdin.fd, &wset)
			nfds = max(nfds, s.Stdin.fd+1)
		}

		wait := &unix.Timeval{Sec: int64(timeout / time.Second), Usec: int64((timeout % time.Second) / time.Microsecond)}
		if s.StdinBuffer.Len() == 0 && s.Channel.DataReady() > 0 {
			wait = &unix.Timeval{}
		}

		_, err := unix.Select(nfds, &rset, &wset, nil, wait)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("select: %w", err)
		}

		if fdIsSet(wakeFD, &rset) {
			s.Flags.DrainWake()
		}

		if fdIsSet(vchanFD, &rset) {
			if err := s.Channel.Wait(); err != nil {
				return 0, fmt.Errorf("%w: %v", frame.ErrTransport, err)
			}
			result, err := decodeVchanInput(s)
			switch result {
			case DecodeError:
				return 0, err
			case DecodeEOF:
				s.remoteStdinEOF = true
			case DecodeExited:
				s.Stdout.closeRead()
				s.Stderr.closeFull()
				if s.ChildPID == 0 {
					teardown(s)
					return *s.RemoteExitCode, nil
				}
			}
		}

		if !s.Stdin.closed() && s.StdinBuffer.Len() > 0 && fdIsSet(s.Stdin.fd, &wset) {
			n, err := unix.Write(s.Stdin.fd, s.StdinBuffer.Bytes())
			if err != nil {
				if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EPIPE) {
					return 0, fmt.Errorf("writing stdin: %w", err)
				}
			} else if n > 0 {
				s.StdinBuffer.Next(n)
			}
		}
		// Only close once every byte that arrived ahead of (or alongside)
		// the remote's zero-length DATA_STDIN frame has actually been
		// written to the child; closing as soon as the EOF frame is
		// decoded would drop whatever was still buffered.
		if s.remoteStdinEOF && s.StdinBuffer.Len() == 0 {
			s.Stdin.closeWrite()
		}

		if !s.Stdout.closed() && fdIsSet(s.Stdout.fd, &rset) {
			result, err := encodeStream(s, s.Stdout, s.Orientation.outputTag(), s.ReplaceCharsStdout)
			if result == EncodeError {
				return 0, err
			}
		}
		if !s.Stderr.closed() && fdIsSet(s.Stderr.fd, &rset) {
			result, err := encodeStream(s, s.Stderr, frame.TypeDataStderr, s.ReplaceCharsStderr)
			if result == EncodeError {
				return 0, err
			}
		}
	}

	teardown(s)

	if s.LocalExitCode != nil {
		return *s.LocalExitCode, nil
	}
	if s.RemoteExitCode != nil {
		return *s.RemoteExitCode, nil
	}
	return 0, nil
}

// teardown restores blocking mode on every descriptor prepareDescriptors
// put into non-blocking mode, then closes or half-closes whatever is
// still open, following the same pipe-vs-socket rule the loop itself
// uses: stdin is write-only from this session's side, stdout and
// stderr are read-only (stderr has no meaningful half-close). Run has
// no worker-per-session process boundary to rely on for descriptor
// cleanup — dispatch runs Run in-process, so this is the only place
// that reclaims descriptors a long-lived control server would
// otherwise leak for the rest of its life. Idempotent: each descriptor
// close method is a no-op once d.fd is -1, so calling this from both
// the early SERVICE_CONNECT-exit branch and the normal loop exit is
// safe.
func teardown(s *Session) {
	restoreBlocking(s.Stdin)
	restoreBlocking(s.Stdout)
	restoreBlocking(s.Stderr)

	s.Stdin.closeWrite()
	s.Stdout.closeRead()
	s.Stderr.closeFull()
}

func restoreBlocking(d *descriptor) {
	if d.closed() {
		return
	}
	unix.SetNonblock(d.fd, false)
}

// prepareDescriptors puts every live child descriptor in non-blocking
// mode before the loop starts. When stdin and stdout are the same
// descriptor (a single socketpair end serving both directions,
// typical of service-connect sessions), stdout is duplicated first so
// the two can be closed independently later.
func prepareDescriptors(s *Session) error {
	if !s.Stdin.closed() {
		if err := unix.SetNonblock(s.Stdin.fd, true); err != nil {
			return fmt.Errorf("setting stdin non-blocking: %w", err)
		}
	}
	if !s.Stdout.closed() {
		if s.Stdin.fd == s.Stdout.fd {
			dup, err := unix.FcntlInt(uintptr(s.Stdin.fd), unix.F_DUPFD_CLOEXEC, 3)
			if err != nil {
				return fmt.Errorf("duplicating shared stdin/stdout descriptor: %w", err)
			}
			s.Stdout = &descriptor{fd: dup, kind: s.Stdin.kind}
		}
		if err := unix.SetNonblock(s.Stdout.fd, true); err != nil {
			return fmt.Errorf("setting stdout non-blocking: %w", err)
		}
	}
	if !s.Stderr.closed() {
		if err := unix.SetNonblock(s.Stderr.fd, true); err != nil {
			return fmt.Errorf("setting stderr non-blocking: %w", err)
		}
	}
	return nil
}

// applyStdioCollapse merges the child's stdout back onto its stdin
// descriptor in response to a collapse request, so writes the child
// makes after requesting it are read back on the same descriptor the
// remote side originally sent data on. If stdout is already closed,
// a duplicate of stdin takes its place instead of a dup3.
func applyStdioCollapse(s *Session) error {
	if s.Stdin.closed() {
		return nil
	}
	if s.Stdout.closed() {
		dup, err := unix.FcntlInt(uintptr(s.Stdin.fd), unix.F_DUPFD_CLOEXEC, 3)
		if err != nil {
			return err
		}
		s.Stdout = &descriptor{fd: dup, kind: s.Stdin.kind}
		return unix.SetNonblock(s.Stdout.fd, true)
	}
	for {
		err := unix.Dup3(s.Stdin.fd, s.Stdout.fd, unix.O_CLOEXEC)
		if err == nil {
			return nil
		}
		if err == unix.EINTR || err == unix.EBUSY {
			continue
		}
		return err
	}
}

// reapChild performs a non-blocking wait for pid and, if it has
// exited, returns its shell-style exit status: 128+signal for a death
// by signal, or the raw exit code otherwise.
func reapChild(pid int) (code int, exited bool, err error) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		if err == unix.ECHILD {
			return 0, false, nil
		}
		return 0, false, err
	}
	if got != pid {
		return 0, false, nil
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal()), true, nil
	}
	return ws.ExitStatus(), true, nil
}

// sendExitCode sends the DATA_EXIT_CODE frame at most once per
// session, guarding the invariant that a second exit-code frame is
// never observed on the wire.
func sendExitCode(s *Session, code int) error {
	if s.exitSent {
		return nil
	}
	s.exitSent = true
	s.Logger.Info("sending exit code", "exit_code", code)
	return frame.SendFrame(s.Channel, frame.TypeDataExitCode, frame.EncodeExitCode(code))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
