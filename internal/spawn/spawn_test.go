// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package spawn

import (
	"bufio"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseCommandSplitsOnFirstColon(t *testing.T) {
	cmd, err := ParseCommand("alice:echo hello:world")
	require.NoError(t, err)
	require.Equal(t, "alice", cmd.User)
	require.Equal(t, "echo hello:world", cmd.Line)
}

func TestParseCommandRejectsMissingColon(t *testing.T) {
	_, err := ParseCommand("no-colon-here")
	require.ErrorIs(t, err, ErrMissingSeparator)
}

func TestParseCommandAllowsEmptyUser(t *testing.T) {
	cmd, err := ParseCommand(":whoami")
	require.NoError(t, err)
	require.Empty(t, cmd.User)
	require.Equal(t, "whoami", cmd.Line)
}

func TestExecWithIOBridgesStdio(t *testing.T) {
	result, err := ExecWithIO(":cat")
	require.NoError(t, err)
	defer result.Stdin.Close()
	defer result.Stdout.Close()
	defer result.Stderr.Close()
	require.Greater(t, result.PID, 0)

	_, err = result.Stdin.Write([]byte("roundtrip\n"))
	require.NoError(t, err)
	result.Stdin.Close()

	reader := bufio.NewReader(result.Stdout)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "roundtrip\n", line)

	var ws unix.WaitStatus
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pid, err := unix.Wait4(result.PID, &ws, unix.WNOHANG, nil)
		require.NoError(t, err)
		if pid == result.PID {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child did not exit in time")
}

func TestExecWithIOSetsAgentPIDEnvVar(t *testing.T) {
	result, err := ExecWithIO(":echo $QREXEC_AGENT_PID")
	require.NoError(t, err)
	defer result.Stdin.Close()
	defer result.Stdout.Close()
	defer result.Stderr.Close()

	reader := bufio.NewReader(result.Stdout)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), line)

	var ws unix.WaitStatus
	unix.Wait4(result.PID, &ws, 0, nil)
}

func TestJustExecRejectsMissingColon(t *testing.T) {
	err := JustExec("no-colon-here")
	require.ErrorIs(t, err, ErrMissingSeparator)
}

func TestJustExecSpawnsDetached(t *testing.T) {
	require.NoError(t, JustExec(":true"))
}
