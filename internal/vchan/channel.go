// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package vchan defines the contract this repository needs from the
// inter-domain shared-memory byte channel that a real deployment
// would provide via libvchan: the handshake, dispatcher, and
// multiplexer only ever touch it through this interface. SocketChannel
// grounds the same contract on a real Unix domain socket so the
// repository builds and runs end-to-end without the hypervisor-specific
// libvchan bindings a real Qubes deployment would link against.
package vchan

import "errors"

// ErrClosed names a channel that has been closed locally. SocketChannel
// does not return it: its Send/Recv after Close fail with the error of
// the underlying descriptor operation. A peer-initiated close surfaces
// as a zero-length Recv plus IsOpen() becoming false.
var ErrClosed = errors.New("vchan: channel closed")

// Channel is the set of vchan operations the handshake, dispatcher, and
// multiplexer invoke. A real implementation wraps libvchan's
// server/client init, send, recv, wait, fd_for_select, buffer_space,
// data_ready, and is_open primitives; SocketChannel below grounds the
// same contract on a Unix domain socket.
type Channel interface {
	// Send writes p in full or returns an error; partial writes other
	// than due to a non-blocking "would block" condition are fatal for
	// the session.
	Send(p []byte) (int, error)

	// Recv reads into p, returning the number of bytes read. Zero
	// bytes with a nil error means the peer has closed its end. On a
	// non-blocking channel a read that cannot complete returns
	// ErrWouldBlock.
	Recv(p []byte) (int, error)

	// EventFD returns the descriptor the multiplexer's central wait
	// watches for readability.
	EventFD() int

	// Wait advances the channel's internal state after the event
	// descriptor fires. For a real shared-memory ring this drains the
	// control ring; SocketChannel treats it as a no-op because the
	// kernel socket buffer already carries this bookkeeping.
	Wait() error

	// DataReady reports how many bytes are currently available to
	// Recv without blocking.
	DataReady() int

	// BufferSpace reports how many bytes the outbound ring currently
	// has free. The multiplexer never attempts to queue a frame larger
	// than BufferSpace minus a frame header.
	BufferSpace() int

	// IsOpen reports whether the peer is still connected.
	IsOpen() bool

	// Close releases the channel. Safe to call more than once.
	Close() error
}

// ErrWouldBlock is returned by Recv/Send on a channel placed in
// non-blocking mode when the operation cannot complete immediately.
var ErrWouldBlock = errors.New("vchan: would block")
