// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/alimirjamali/qubes-core-qrexec/internal/agentconfig"
	"github.com/alimirjamali/qubes-core-qrexec/internal/codec"
	"github.com/alimirjamali/qubes-core-qrexec/internal/frame"
	"github.com/alimirjamali/qubes-core-qrexec/internal/vchan"
)

// sendRequest encodes req to CBOR and writes it in one message to
// conn, attaching fds as SCM_RIGHTS ancillary data when non-empty.
func sendRequest(t *testing.T, conn *net.UnixConn, req DispatchRequest, fds []int) {
	t.Helper()
	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err = conn.WriteMsgUnix(data, oob, nil)
	require.NoError(t, err)
}

func readResponse(t *testing.T, conn *net.UnixConn) DispatchResponse {
	t.Helper()
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	var resp DispatchResponse
	require.NoError(t, codec.Unmarshal(buf[:n], &resp))
	return resp
}

func TestListenerRejectsUnknownKind(t *testing.T) {
	cfg := agentconfig.Default()
	cfg.ControlSocketPath = filepath.Join(t.TempDir(), "control.sock")
	cfg.VchanSocketDir = t.TempDir()

	l, err := Listen(cfg, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn := dial(t, cfg.ControlSocketPath)
	defer conn.Close()

	sendRequest(t, conn, DispatchRequest{Kind: "not_a_real_kind"}, nil)
	resp := readResponse(t, conn)
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestListenerJustExecWithoutColonReportsNegativeOne(t *testing.T) {
	cfg := agentconfig.Default()
	cfg.ControlSocketPath = filepath.Join(t.TempDir(), "control.sock")
	cfg.VchanSocketDir = t.TempDir()

	l, err := Listen(cfg, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	req := DispatchRequest{Kind: "just_exec", Domain: 5, Port: 6, Cmdline: "missingColon"}
	socketPath := vchan.SocketPath(cfg.VchanSocketDir, req.Domain, req.Port)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		ch, err := vchan.Listen(socketPath, cfg.DefaultBufferSize)
		if err != nil {
			return
		}
		defer ch.Close()
		if _, err := frame.Handshake(context.Background(), ch, cfg.LocalProtocolVersion, cfg.MinSupportedVersion); err != nil {
			return
		}
		frame.RecvFrame(ch)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, cfg.ControlSocketPath)
	defer conn.Close()
	sendRequest(t, conn, req, nil)

	resp := readResponse(t, conn)
	require.True(t, resp.OK)
	require.Equal(t, -1, resp.ExitCode)

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("vchan server side never completed")
	}
}

func dial(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	uc, ok := conn.(*net.UnixConn)
	require.True(t, ok)
	return uc
}
