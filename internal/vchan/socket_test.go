// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package vchan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSocketChannelRoundTrip(t *testing.T) {
	local, remote, err := NewPair(65536)
	require.NoError(t, err)
	defer local.Close()
	defer remote.Close()

	n, err := local.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.Greater(t, remote.DataReady(), 0)

	buf := make([]byte, 16)
	n, err = remote.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestSocketChannelCloseSignalsPeer(t *testing.T) {
	local, remote, err := NewPair(65536)
	require.NoError(t, err)
	defer remote.Close()

	require.True(t, remote.IsOpen())
	require.NoError(t, local.Close())

	buf := make([]byte, 16)
	n, err := remote.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.False(t, remote.IsOpen())
}

func TestSocketChannelNonblockWouldBlock(t *testing.T) {
	local, remote, err := NewPair(65536)
	require.NoError(t, err)
	defer local.Close()
	defer remote.Close()

	require.NoError(t, remote.SetNonblock(true))
	buf := make([]byte, 16)
	_, err = remote.Recv(buf)
	require.ErrorIs(t, err, ErrWouldBlock)
}
