// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package multiplex

import "golang.org/x/sys/unix"

// classifyDescriptor determines a descriptor's close semantics once,
// at acquisition time, instead of probing it with shutdown()+ENOTSOCK
// at every close site.
//
// fd values 0 or 1 are treated as inherited from the parent process
// whenever there is no local child (service-connect mode): ownership
// of those descriptors is not exclusive to this session, and naively
// closing them would tear down the parent's connection too.
func classifyDescriptor(fd int, hasChild bool) descriptorKind {
	if fd < 0 {
		return kindPipe
	}
	if !hasChild && (fd == 0 || fd == 1) {
		return kindInherited
	}
	if _, err := unix.Getsockname(fd); err == nil {
		return kindSocket
	}
	return kindPipe
}

// newDescriptor wraps fd with its classified kind. Pass hasChild=false
// for service-connect sessions and true for exec sessions (a pure
// just-exec dispatch has no multiplexed descriptors at all).
func newDescriptor(fd int, hasChild bool) *descriptor {
	return &descriptor{fd: fd, kind: classifyDescriptor(fd, hasChild)}
}

// closeRead fully closes or half-closes (read direction) d, following
// the pipe-vs-socket rule: sockets get shutdown(SHUT_RD) so a
// parent-owned connection survives; everything else is closed
// outright. Used when the remote has exited and no more local output
// will be accepted, and during final teardown.
func (d *descriptor) closeRead() error {
	if d.closed() {
		return nil
	}
	defer func() { d.fd = -1 }()
	switch d.kind {
	case kindInherited:
		return nil
	case kindSocket:
		return unix.Shutdown(d.fd, unix.SHUT_RD)
	default:
		return unix.Close(d.fd)
	}
}

// closeWrite fully closes or half-closes (write direction) d. Used
// when the local child has exited and stdin must be torn down while
// letting the child finish reading anything already queued, and when
// the remote signals EOF on its outbound stream.
func (d *descriptor) closeWrite() error {
	if d.closed() {
		return nil
	}
	defer func() { d.fd = -1 }()
	switch d.kind {
	case kindInherited:
		return nil
	case kindSocket:
		return unix.Shutdown(d.fd, unix.SHUT_WR)
	default:
		return unix.Close(d.fd)
	}
}

// closeFull closes d outright, with no half-close, whether it is a pipe
// or a socket; an inherited descriptor is left open. Used for stderr,
// which has no meaningful half-close direction.
func (d *descriptor) closeFull() error {
	if d.closed() {
		return nil
	}
	defer func() { d.fd = -1 }()
	if d.kind == kindInherited {
		return nil
	}
	return unix.Close(d.fd)
}
