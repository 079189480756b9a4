// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package multiplex

import "golang.org/x/sys/unix"

// fdZero clears set. unix.FdSet has no exported helpers of its own on
// any platform, so the multiplexer carries the handful of bit-twiddling
// helpers a raw select(2) binding always needs.
func fdZero(set *unix.FdSet) {
	*set = unix.FdSet{}
}

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
