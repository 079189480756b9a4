// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package vchan

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenDialRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vchan-0-42.sock")

	serverCh := make(chan *SocketChannel, 1)
	serverErr := make(chan error, 1)
	go func() {
		ch, err := Listen(path, 65536)
		if err != nil {
			serverErr <- err
			return
		}
		serverCh <- ch
	}()

	var client *SocketChannel
	require.Eventually(t, func() bool {
		c, err := Dial(path, 65536)
		if err != nil {
			return false
		}
		client = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer client.Close()

	var server *SocketChannel
	select {
	case server = <-serverCh:
	case err := <-serverErr:
		t.Fatalf("Listen failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not accept in time")
	}
	defer server.Close()

	n, err := client.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = server.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestSocketPathIsStableForSameDomainPort(t *testing.T) {
	require.Equal(t, SocketPath("/run/x", 3, 7), SocketPath("/run/x", 3, 7))
	require.NotEqual(t, SocketPath("/run/x", 3, 7), SocketPath("/run/x", 3, 8))
}
