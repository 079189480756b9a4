// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"context"
	"fmt"

	"github.com/alimirjamali/qubes-core-qrexec/internal/vchan"
)

// Handshake exchanges one HELLO in each direction over ch and returns
// the negotiated protocol version: min(local, remote), or an error if
// the exchange fails or negotiates below floor.
//
// ch must still be in blocking mode; the multiplexer's non-blocking
// setup happens only after Handshake returns successfully. The
// exchange itself uses ch's blocking Send/Recv directly rather than
// threading ctx through them — no concurrency is needed before
// negotiation completes — but ctx is checked up front so a caller that
// cancels before dialing never blocks on it at all.
func Handshake(ctx context.Context, ch vchan.Channel, localVersion, floorVersion uint32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	hello := Header{Type: TypeHello, Len: peerInfoSize}
	if err := sendAll(ch, hello.marshal()); err != nil {
		return 0, fmt.Errorf("sending HELLO header: %w", err)
	}
	if err := sendAll(ch, PeerInfo{Version: localVersion}.marshal()); err != nil {
		return 0, fmt.Errorf("sending HELLO body: %w", err)
	}

	hdrBuf := make([]byte, HeaderSize)
	if err := recvExact(ch, hdrBuf); err != nil {
		return 0, fmt.Errorf("receiving HELLO header: %w", err)
	}
	hdr := unmarshalHeader(hdrBuf)
	if hdr.Type != TypeHello || hdr.Len != peerInfoSize {
		return 0, fmt.Errorf("%w: invalid HELLO header (type=%s len=%d)", ErrProtocolViolation, hdr.Type, hdr.Len)
	}

	bodyBuf := make([]byte, peerInfoSize)
	if err := recvExact(ch, bodyBuf); err != nil {
		return 0, fmt.Errorf("receiving HELLO body: %w", err)
	}
	remote := unmarshalPeerInfo(bodyBuf)

	effective := remote.Version
	if localVersion < effective {
		effective = localVersion
	}
	if effective < floorVersion {
		return 0, fmt.Errorf("%w: incompatible protocol version (remote %d, local %d, floor %d)",
			ErrProtocolViolation, remote.Version, localVersion, floorVersion)
	}
	return int(effective), nil
}
