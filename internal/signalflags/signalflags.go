// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package signalflags turns the two asynchronous event sources the
// multiplexer must react to — child death and the child's
// stdio-collapse request — into values a single-threaded select loop
// can observe without losing an event.
//
// A classic POSIX implementation of this keeps two sig_atomic_t flags
// and masks signals around the central wait to avoid losing one
// delivered between the flag check and the wait. Go's os/signal
// already delivers signals to a channel from a dedicated
// runtime-internal goroutine, so there is no "check flag, then sleep"
// race to guard against. This package turns that into a unified wait
// source by acting as its own self-pipe: it exposes a readable
// descriptor (WakeFD) the multiplexer adds to its central select,
// eliminating the race and folding both event sources into one
// wait set.
package signalflags

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// CollapseState is the three-valued lifecycle of the stdio-collapse
// request: idle, pending (signal seen, not yet applied), and applied
// (the multiplexer has already merged the descriptors).
type CollapseState int

const (
	CollapseIdle CollapseState = iota
	CollapsePending
	CollapseApplied
)

// Flags tracks the two process-wide async signals as session state.
// Each dispatched session creates its own Flags with New and releases
// it with Stop. Sessions run in one process, as goroutines of the
// control listener, so every live Flags receives every SIGCHLD and
// SIGUSR1 the process gets; nothing here is package-level mutable
// state.
type Flags struct {
	mu          sync.Mutex
	childExited bool
	collapse    CollapseState

	sigCh      chan os.Signal
	wakeReader *os.File
	wakeWriter *os.File
}

// New installs the signal handlers (SIGCHLD for child death, SIGUSR1
// for the stdio-collapse request) and returns a Flags ready to be
// polled from a central select loop via WakeFD.
func New() (*Flags, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(reader.Fd()), true); err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}

	f := &Flags{
		sigCh:      make(chan os.Signal, 4),
		wakeReader: reader,
		wakeWriter: writer,
	}
	signal.Notify(f.sigCh, syscall.SIGCHLD, syscall.SIGUSR1)
	go f.loop()
	return f, nil
}

// loop is the only place that touches the signal channel. It sets
// exactly one flag per signal and writes one byte to the wake pipe.
// Go gives no raw signal handler to restrict to flag-setting only, so
// this goroutine is the translation layer; the wake byte is the only
// I/O it performs.
func (f *Flags) loop() {
	for sig := range f.sigCh {
		switch sig {
		case syscall.SIGCHLD:
			f.mu.Lock()
			f.childExited = true
			f.mu.Unlock()
		case syscall.SIGUSR1:
			f.mu.Lock()
			if f.collapse == CollapseIdle {
				f.collapse = CollapsePending
			}
			f.mu.Unlock()
		}
		f.wakeWriter.Write([]byte{0})
	}
}

// WakeFD returns the descriptor the multiplexer's central select
// should add to its read set. It becomes readable whenever a tracked
// signal arrives; DrainWake consumes the pending bytes.
func (f *Flags) WakeFD() int { return int(f.wakeReader.Fd()) }

// DrainWake consumes any bytes queued on the wake pipe so the next
// select call blocks again until a new signal arrives. It reads the
// raw descriptor with unix.Read rather than through *os.File.Read:
// the latter goes through internal/poll, which still treats this fd as
// pollable (os.Pipe always registers its fds with the runtime network
// poller at creation time) and parks the calling goroutine in
// waitRead on EAGAIN instead of returning it — which would block this
// call, and therefore the whole multiplexer loop, until another signal
// arrived. A raw read on the O_NONBLOCK fd returns EAGAIN immediately,
// as the central select loop needs.
func (f *Flags) DrainWake() {
	fd := int(f.wakeReader.Fd())
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

// TakeChildExited reports and clears the child-exited flag; callers
// act on the result once and the flag only fires again on the next
// SIGCHLD.
func (f *Flags) TakeChildExited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.childExited
	f.childExited = false
	return v
}

// CollapseState reports the current stdio-collapse lifecycle state.
func (f *Flags) CollapseState() CollapseState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collapse
}

// MarkCollapseApplied transitions Pending -> Applied. Idempotent:
// repeated collapse signals that arrive after the first have no
// further effect.
func (f *Flags) MarkCollapseApplied() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collapse == CollapsePending {
		f.collapse = CollapseApplied
	}
}

// Stop stops signal delivery and releases the wake pipe. Safe to call
// once after the multiplexer loop has ended.
func (f *Flags) Stop() {
	signal.Stop(f.sigCh)
	close(f.sigCh)
	f.wakeReader.Close()
	f.wakeWriter.Close()
}
