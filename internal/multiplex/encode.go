// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/alimirjamali/qubes-core-qrexec/internal/agentconfig"
	"github.com/alimirjamali/qubes-core-qrexec/internal/frame"
)

// EncodeResult is the frame encoder's outcome for one call to
// encodeStream.
type EncodeResult int

const (
	EncodeOK EncodeResult = iota
	EncodeError
	EncodeEOF
)

// maxChunkSize bounds a single read from the child's stdout/stderr so
// one iteration never reads an unbounded amount even when the vchan
// advertises a very large BufferSpace.
const maxChunkSize = 32 * 1024

// encodeStream reads one chunk from d (stdout or stderr) and forwards
// it as a tagged frame, applying non-printable sanitization when the
// corresponding tri-state flag is enabled. On EOF it sends the
// zero-length terminator frame and closes d.
func encodeStream(s *Session, d *descriptor, tag frame.Type, sanitize agentconfig.TriState) (EncodeResult, error) {
	if d.closed() {
		return EncodeEOF, nil
	}

	// Never queue a payload larger than the vchan's current free
	// space minus one frame header.
	space := s.Channel.BufferSpace() - frame.HeaderSize
	if space <= 0 {
		return EncodeOK, nil
	}
	chunk := space
	if chunk > maxChunkSize {
		chunk = maxChunkSize
	}

	buf := make([]byte, chunk)
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return EncodeOK, nil
		}
		return EncodeError, fmt.Errorf("reading %s: %w", tag, err)
	}
	if n == 0 {
		closeErr := d.closeRead()
		if sendErr := frame.SendFrame(s.Channel, tag, nil); sendErr != nil {
			return EncodeError, sendErr
		}
		return EncodeEOF, closeErr
	}

	payload := buf[:n]
	if sanitize == agentconfig.Enabled {
		sanitizeNonPrintable(payload)
	}
	if err := frame.SendFrame(s.Channel, tag, payload); err != nil {
		return EncodeError, err
	}
	return EncodeOK, nil
}

// sanitizeNonPrintable replaces bytes outside printable ASCII (and
// \n, \r, \t) with '_' in place.
func sanitizeNonPrintable(b []byte) {
	for i, c := range b {
		if c == '\n' || c == '\r' || c == '\t' {
			continue
		}
		if c < 0x20 || c >= 0x7f {
			b[i] = '_'
		}
	}
}
