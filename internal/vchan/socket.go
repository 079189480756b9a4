// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package vchan

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// SocketChannel implements Channel over a connected Unix domain socket.
// It is the repository's stand-in for a real libvchan connection: two
// SocketChannels created by NewPair are directly analogous to the two
// ends of one vchan, including a raw file descriptor suitable for
// unix.Select, non-blocking Send/Recv, and EOF-based IsOpen tracking.
//
// The ring-buffer "free space" accounting a real vchan provides is
// approximated here: BufferSpace reports a fixed configured capacity
// while the channel is open. True backpressure still happens, because
// once the underlying kernel socket buffer is actually full Send blocks
// (or, in non-blocking mode, returns ErrWouldBlock); BufferSpace only gates whether the
// multiplexer bothers to watch stdout/stderr for readability at all,
// it does not need to be exact.
type SocketChannel struct {
	fd       int
	capacity int

	// file is non-nil when fd was extracted from a *net.UnixConn via
	// File(), which returns a dup of the connection's descriptor: the
	// os.File must be kept alive (not garbage collected) for as long
	// as fd is in use, since its finalizer would otherwise close the
	// dup out from under us. NewPair's descriptors come straight from
	// socketpair() and need no such keep-alive, so file is nil there.
	file *os.File

	mu       sync.Mutex
	closed   bool
	peerEOF  bool
	nonblock bool
}

// NewPair creates two connected SocketChannels, analogous to a vchan
// server and client sharing one ring pair, each with the given ring
// capacity advertised via BufferSpace.
func NewPair(capacity int) (local, remote *SocketChannel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("vchan: socketpair: %w", err)
	}
	return &SocketChannel{fd: fds[0], capacity: capacity},
		&SocketChannel{fd: fds[1], capacity: capacity}, nil
}

// FD returns the raw descriptor backing this channel, the same value
// EventFD returns.
func (c *SocketChannel) FD() int { return c.fd }

// SetNonblock toggles non-blocking mode. The dispatch path never calls
// it: the handshake and the multiplexer both use the default blocking
// mode, and the multiplexer only calls Recv once DataReady reports
// buffered bytes.
func (c *SocketChannel) SetNonblock(nonblocking bool) error {
	if err := unix.SetNonblock(c.fd, nonblocking); err != nil {
		return fmt.Errorf("vchan: set nonblock: %w", err)
	}
	c.nonblock = nonblocking
	return nil
}

func (c *SocketChannel) Send(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if n > 0 {
			total += n
		}
		if err == nil {
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if c.nonblock {
				return total, ErrWouldBlock
			}
			continue
		}
		return total, fmt.Errorf("vchan: send: %w", err)
	}
	return total, nil
}

func (c *SocketChannel) Recv(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			if n == 0 {
				c.mu.Lock()
				c.peerEOF = true
				c.mu.Unlock()
			}
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if c.nonblock {
				return 0, ErrWouldBlock
			}
			continue
		}
		return 0, fmt.Errorf("vchan: recv: %w", err)
	}
}

func (c *SocketChannel) EventFD() int { return c.fd }

func (c *SocketChannel) Wait() error { return nil }

// DataReady peeks the socket's receive queue without consuming it,
// using MSG_PEEK in non-blocking mode regardless of the channel's own
// blocking setting, so callers can poll safely at any time.
func (c *SocketChannel) DataReady() int {
	var buf [1]byte
	n, _, err := unix.Recvfrom(c.fd, buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		return 0
	}
	if n == 0 {
		c.mu.Lock()
		c.peerEOF = true
		c.mu.Unlock()
	}
	return n
}

func (c *SocketChannel) BufferSpace() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	return c.capacity
}

func (c *SocketChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.peerEOF
}

func (c *SocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			return fmt.Errorf("vchan: close: %w", err)
		}
		return nil
	}
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("vchan: close: %w", err)
	}
	return nil
}
