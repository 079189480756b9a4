// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the vchan wire protocol: a fixed 8-byte
// header {u32 type, u32 len} followed by len bytes of payload, the
// handshake that exchanges protocol versions over it, and the
// encode/decode helpers the multiplexer uses to turn child stdio bytes
// into frames and vice versa.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/alimirjamali/qubes-core-qrexec/internal/vchan"
)

// Type identifies a frame's payload shape and purpose.
type Type uint32

const (
	// TypeHello carries a PeerInfo and is exchanged exactly once at
	// session start in each direction.
	TypeHello Type = iota + 1
	// TypeDataStdin carries bytes destined for the local child's
	// stdin; zero length marks end of stream.
	TypeDataStdin
	// TypeDataStdout carries bytes read from the child's stdout.
	TypeDataStdout
	// TypeDataStderr carries bytes read from the child's stderr.
	TypeDataStderr
	// TypeDataExitCode carries a single int32 exit status and is the
	// last frame sent in either direction.
	TypeDataExitCode
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeDataStdin:
		return "DATA_STDIN"
	case TypeDataStdout:
		return "DATA_STDOUT"
	case TypeDataStderr:
		return "DATA_STDERR"
	case TypeDataExitCode:
		return "DATA_EXIT_CODE"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// HeaderSize is the fixed on-wire size of a Header: two uint32 fields.
const HeaderSize = 8

// peerInfoSize is the fixed on-wire size of a PeerInfo: one uint32.
const peerInfoSize = 4

// Header is the fixed frame header preceding every payload.
type Header struct {
	Type Type
	Len  uint32
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[4:8], h.Len)
	return buf
}

func unmarshalHeader(buf []byte) Header {
	return Header{
		Type: Type(binary.BigEndian.Uint32(buf[0:4])),
		Len:  binary.BigEndian.Uint32(buf[4:8]),
	}
}

// PeerInfo is the HELLO payload: the sender's protocol version.
type PeerInfo struct {
	Version uint32
}

func (p PeerInfo) marshal() []byte {
	buf := make([]byte, peerInfoSize)
	binary.BigEndian.PutUint32(buf, p.Version)
	return buf
}

func unmarshalPeerInfo(buf []byte) PeerInfo {
	return PeerInfo{Version: binary.BigEndian.Uint32(buf)}
}

// recvExact reads exactly len(buf) bytes from ch, in blocking mode.
// A short read of any kind is a fatal transport failure.
func recvExact(ch vchan.Channel, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := ch.Recv(buf[total:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: short read (got %d of %d bytes)", ErrTransport, total, len(buf))
		}
		total += n
	}
	return nil
}

// sendAll writes buf in full to ch, in blocking mode. A short write is
// a transport failure.
func sendAll(ch vchan.Channel, buf []byte) error {
	n, err := ch.Send(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short write (wrote %d of %d bytes)", ErrTransport, n, len(buf))
	}
	return nil
}

// SendFrame writes one frame (header + payload) to ch.
func SendFrame(ch vchan.Channel, typ Type, payload []byte) error {
	hdr := Header{Type: typ, Len: uint32(len(payload))}
	if err := sendAll(ch, hdr.marshal()); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return sendAll(ch, payload)
}

// RecvFrame reads one frame (header + payload) from ch, in blocking
// mode. The multiplexer's steady-state loop calls it from
// decodeVchanInput, only after confirming data is ready; the handshake
// reads its HELLO with recvExact directly instead.
func RecvFrame(ch vchan.Channel) (Header, []byte, error) {
	hdrBuf := make([]byte, HeaderSize)
	if err := recvExact(ch, hdrBuf); err != nil {
		return Header{}, nil, err
	}
	hdr := unmarshalHeader(hdrBuf)
	if hdr.Len == 0 {
		return hdr, nil, nil
	}
	payload := make([]byte, hdr.Len)
	if err := recvExact(ch, payload); err != nil {
		return Header{}, nil, err
	}
	return hdr, payload, nil
}

// EncodeExitCode packs an exit status into a DATA_EXIT_CODE payload:
// a single big-endian int32.
func EncodeExitCode(code int) []byte {
	v := uint32(int32(code))
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// DecodeExitCode unpacks a DATA_EXIT_CODE payload. A payload shorter
// than 4 bytes decodes as -1 rather than panicking.
func DecodeExitCode(payload []byte) int {
	if len(payload) < 4 {
		return -1
	}
	return int(int32(uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])))
}

// ErrProtocolViolation marks a failure caused by the peer sending
// something the protocol does not allow (bad HELLO, bad tag, oversized
// command line). Fatal for the session. A JUST_EXEC command line
// without ':' is not reported this way: dispatch answers it with an
// exit code of -1 instead.
var ErrProtocolViolation = errors.New("frame: protocol violation")

// ErrTransport marks a failure in the underlying vchan transport
// (short read/write, vchan wait error). Fatal for the session; no
// further frames are sent once this occurs.
var ErrTransport = errors.New("frame: transport failure")
