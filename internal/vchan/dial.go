// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package vchan

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// SocketPath derives the rendezvous path two dispatch calls use to
// find each other for a given (domain, port) pair: the server side
// listens on it, the client side dials it. A real deployment's vchan
// library resolves (domain, port) through the hypervisor instead of
// the filesystem; this is the in-process stand-in described alongside
// SocketChannel.
func SocketPath(baseDir string, domain, port uint32) string {
	return filepath.Join(baseDir, fmt.Sprintf("vchan-%d-%d.sock", domain, port))
}

// Listen creates the server side of a vchan pair: it removes any stale
// socket left at path, listens, accepts exactly one connection, and
// wraps it as a SocketChannel with the given ring capacity.
func Listen(path string, capacity int) (*SocketChannel, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("vchan: creating socket directory: %w", err)
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("vchan: listening on %s: %w", path, err)
	}
	defer ln.Close()
	defer os.Remove(path)

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("vchan: accepting on %s: %w", path, err)
	}
	return channelFromConn(conn, capacity)
}

// Dial creates the client side of a vchan pair: it connects to path
// (created by a concurrent Listen call) and wraps the connection as a
// SocketChannel with the given ring capacity.
func Dial(path string, capacity int) (*SocketChannel, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("vchan: dialing %s: %w", path, err)
	}
	return channelFromConn(conn, capacity)
}

// channelFromConn extracts the raw descriptor behind a *net.UnixConn
// so it can be driven directly with unix.Select/Read/Write, the same
// way SocketChannel drives a socketpair() descriptor.
func channelFromConn(conn net.Conn, capacity int) (*SocketChannel, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("vchan: connection is not a Unix domain socket")
	}
	f, err := uc.File()
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("vchan: extracting descriptor: %w", err)
	}
	uc.Close()
	return &SocketChannel{fd: int(f.Fd()), capacity: capacity, file: f}, nil
}
