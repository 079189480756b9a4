// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/alimirjamali/qubes-core-qrexec/internal/frame"
	"github.com/alimirjamali/qubes-core-qrexec/internal/signalflags"
	"github.com/alimirjamali/qubes-core-qrexec/internal/vchan"
)

// newExecSession spawns cmd (already configured with pipe stdio) and
// wires a Session around it, bridging it through local (the near end
// of a vchan pair whose far end the caller drives directly).
func newExecSession(t *testing.T, cmd *exec.Cmd, local vchan.Channel) (*Session, func()) {
	t.Helper()

	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	require.NoError(t, cmd.Start())
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	flags, err := signalflags.New()
	require.NoError(t, err)

	s := &Session{
		Channel:     local,
		ChildPID:    cmd.Process.Pid,
		Orientation: OrientExec,
		Stdin:       newDescriptor(int(stdinW.Fd()), true),
		Stdout:      newDescriptor(int(stdoutR.Fd()), true),
		Stderr:      newDescriptor(int(stderrR.Fd()), true),
		Flags:       flags,
		Logger:      slog.Default(),
	}
	cleanup := func() {
		flags.Stop()
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
	}
	return s, cleanup
}

func TestRunEchoRoundtrip(t *testing.T) {
	local, remote, err := vchan.NewPair(65536)
	require.NoError(t, err)
	defer remote.Close()

	cmd := exec.Command("cat")
	s, cleanup := newExecSession(t, cmd, local)
	defer cleanup()

	done := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		code, err := Run(context.Background(), s)
		if err != nil {
			errCh <- err
			return
		}
		done <- code
	}()

	require.NoError(t, frame.SendFrame(remote, frame.TypeDataStdin, []byte("hello\n")))
	require.NoError(t, frame.SendFrame(remote, frame.TypeDataStdin, nil))

	var collected []byte
	for {
		hdr, payload, err := frame.RecvFrame(remote)
		require.NoError(t, err)
		if hdr.Type == frame.TypeDataExitCode {
			break
		}
		// cat writes nothing to stderr, so its only stderr frame is the
		// zero-length end-of-stream terminator.
		if hdr.Type == frame.TypeDataStderr {
			require.Empty(t, payload)
			continue
		}
		require.Equal(t, frame.TypeDataStdout, hdr.Type)
		if len(payload) == 0 {
			continue
		}
		collected = append(collected, payload...)
	}
	require.Equal(t, "hello\n", string(collected))

	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case err := <-errCh:
		t.Fatalf("Run returned error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
	}
}

func TestRunChildKilledBySignalReportsShellStyleExitCode(t *testing.T) {
	local, remote, err := vchan.NewPair(65536)
	require.NoError(t, err)
	defer remote.Close()

	cmd := exec.Command("sleep", "30")
	s, cleanup := newExecSession(t, cmd, local)
	defer cleanup()

	errCh := make(chan error, 1)
	done := make(chan int, 1)
	go func() {
		code, err := Run(context.Background(), s)
		if err != nil {
			errCh <- err
			return
		}
		done <- code
	}()

	require.NoError(t, cmd.Process.Kill())
	require.NoError(t, frame.SendFrame(remote, frame.TypeDataStdin, nil))

	for {
		hdr, _, err := frame.RecvFrame(remote)
		require.NoError(t, err)
		if hdr.Type == frame.TypeDataExitCode {
			break
		}
	}

	select {
	case code := <-done:
		require.Equal(t, 128+9, code)
	case err := <-errCh:
		t.Fatalf("Run returned error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
	}
}

func TestApplyStdioCollapseDuplicatesStdinOntoStdout(t *testing.T) {
	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	defer stdinR.Close()
	defer stdinW.Close()
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	defer stdoutR.Close()
	defer stdoutW.Close()

	s := &Session{
		Stdin:  newDescriptor(int(stdinR.Fd()), true),
		Stdout: newDescriptor(int(stdoutW.Fd()), true),
	}

	require.NoError(t, applyStdioCollapse(s))

	msg := []byte("collapsed\n")
	_, err = stdinW.Write(msg)
	require.NoError(t, err)

	// s.Stdout.fd now refers to stdin's pipe, so the bytes written to
	// stdin's peer are read back through it.
	buf := make([]byte, len(msg))
	n, err := unix.Read(s.Stdout.fd, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}
