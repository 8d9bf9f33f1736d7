// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package envelope implements the CANShark wire envelope.
//
// Every captured CAN frame travels to the host as one envelope:
//
//	[length:u32][elapsed:u32][type:u16][id:u32][payload:0..8][crc:u16]
//
// All integers are big-endian. The length field counts every byte after
// itself. The CRC (CRC-16/X-25) covers elapsed, type, id and payload.
//
// On the serial link each envelope is rendered as one ASCII line: '<', the
// envelope as uppercase hex, '>', CR LF. Lines starting with '#' are
// human-readable notices from the device.
package envelope

// Line framing bytes
const (
	StartByte  = '<'
	EndByte    = '>'
	NoticeByte = '#'
)

// LineTerminator ends every line written by the device.
const LineTerminator = "\r\n"

// Field sizes
const (
	LengthSize  = 4
	ElapsedSize = 4
	TypeSize    = 2
	IDSize      = 4
	CRCSize     = 2
)

// Envelope size limits
const (
	MaxPayloadSize = 8
	HeaderSize     = LengthSize + ElapsedSize + TypeSize + IDSize // 14
	MinSize        = HeaderSize + CRCSize                         // 16
	MaxSize        = MinSize + MaxPayloadSize                     // 24

	// MaxLineSize is the longest line a device emits: delimiters, hex body
	// and terminator.
	MaxLineSize = 2 + 2*MaxSize + len(LineTerminator)
)

// FrameType classifies a captured CAN frame.
type FrameType uint16

// Frame type values
const (
	FrameData   FrameType = 0
	FrameRemote FrameType = 1
)

// String returns the frame type name
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameRemote:
		return "REMOTE"
	default:
		return "UNKNOWN"
	}
}
