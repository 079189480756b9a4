// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"fmt"

	"github.com/alimirjamali/qubes-core-qrexec/internal/frame"
)

// DecodeResult is the frame decoder's outcome for one call to
// decodeVchanInput.
type DecodeResult int

const (
	DecodeOK DecodeResult = iota
	DecodeError
	DecodeEOF
	DecodeExited
)

// decodeVchanInput drains every frame currently available on the
// session's vchan and applies it: DATA_STDIN payload is appended to
// the stdin buffer (zero length marks remote EOF), DATA_EXIT_CODE
// records the remote's exit status. Any other frame type, or a
// transport failure, is fatal.
//
// Returns the last meaningful result: DecodeError/DecodeEOF/
// DecodeExited stop the drain immediately; plain data frames keep
// looping until the vchan has nothing more buffered, since one call is
// expected to drain whatever arrived while the caller was waiting.
// DecodeEOF only marks that the terminating frame was seen — it does
// not itself close anything, since a batch of data frames can arrive
// in the same drain as the zero-length one that follows them; the
// caller closes stdin's write side only once s.StdinBuffer has
// actually emptied into it.
func decodeVchanInput(s *Session) (DecodeResult, error) {
	for s.Channel.DataReady() > 0 {
		hdr, payload, err := frame.RecvFrame(s.Channel)
		if err != nil {
			return DecodeError, err
		}
		switch hdr.Type {
		case frame.TypeDataStdin:
			if len(payload) == 0 {
				return DecodeEOF, nil
			}
			s.StdinBuffer.Write(payload)
		case frame.TypeDataExitCode:
			code := frame.DecodeExitCode(payload)
			s.RemoteExitCode = &code
			s.Logger.Info("remote exit code received", "exit_code", code)
			return DecodeExited, nil
		default:
			return DecodeError, fmt.Errorf("%w: unexpected frame type %s on inbound vchan", frame.ErrProtocolViolation, hdr.Type)
		}
	}
	return DecodeOK, nil
}
