// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alimirjamali/qubes-core-qrexec/internal/vchan"
)

func TestHandshakeNegotiatesMinVersion(t *testing.T) {
	local, remote, err := vchan.NewPair(65536)
	require.NoError(t, err)
	defer local.Close()
	defer remote.Close()

	type result struct {
		version int
		err     error
	}
	localDone := make(chan result, 1)
	go func() {
		v, err := Handshake(context.Background(), local, 3, 2)
		localDone <- result{v, err}
	}()

	remoteVersion, err := Handshake(context.Background(), remote, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 2, remoteVersion)

	res := <-localDone
	require.NoError(t, res.err)
	require.Equal(t, 2, res.version)
}

func TestHandshakeRejectsBelowFloor(t *testing.T) {
	local, remote, err := vchan.NewPair(65536)
	require.NoError(t, err)
	defer local.Close()
	defer remote.Close()

	type result struct {
		version int
		err     error
	}
	localDone := make(chan result, 1)
	go func() {
		v, err := Handshake(context.Background(), local, 1, 2)
		localDone <- result{v, err}
	}()

	_, err = Handshake(context.Background(), remote, 3, 2)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocolViolation))

	res := <-localDone
	require.Error(t, res.err)
}

func TestSendRecvFrameRoundTrip(t *testing.T) {
	local, remote, err := vchan.NewPair(65536)
	require.NoError(t, err)
	defer local.Close()
	defer remote.Close()

	require.NoError(t, SendFrame(local, TypeDataStdout, []byte("abc")))
	hdr, payload, err := RecvFrame(remote)
	require.NoError(t, err)
	require.Equal(t, TypeDataStdout, hdr.Type)
	require.Equal(t, "abc", string(payload))

	require.NoError(t, SendFrame(local, TypeDataStdin, nil))
	hdr, payload, err = RecvFrame(remote)
	require.NoError(t, err)
	require.Equal(t, TypeDataStdin, hdr.Type)
	require.Empty(t, payload)
}

func TestRecvFrameShortReadIsTransportError(t *testing.T) {
	local, remote, err := vchan.NewPair(65536)
	require.NoError(t, err)
	defer remote.Close()

	_, werr := local.Send([]byte{0, 0, 0, 1}) // half a header, then close
	require.NoError(t, werr)
	require.NoError(t, local.Close())

	_, _, err = RecvFrame(remote)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTransport))
}
