// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Decode errors
var (
	ErrTooShort       = errors.New("envelope too short")
	ErrTooLong        = errors.New("envelope too long")
	ErrLengthMismatch = errors.New("length field mismatch")
	ErrCRCMismatch    = errors.New("CRC mismatch")
	ErrFrameType      = errors.New("unknown frame type")
)

// Envelope is one decoded CAN frame as carried on the wire
type Envelope struct {
	Elapsed uint32 // microseconds since the previous captured frame
	Type    FrameType
	ID      uint32
	Payload []byte
	CRC     uint16

	// Timestamp is the host-side decode time; it is not part of the wire format.
	Timestamp time.Time
}

// Size returns the encoded size of an envelope carrying n payload bytes.
func Size(n int) int {
	return MinSize + n
}

// Encode creates a complete wire envelope.
// Panics if the payload exceeds MaxPayloadSize.
func Encode(elapsed uint32, frameType FrameType, id uint32, payload []byte) []byte {
	buf := make([]byte, Size(len(payload)))
	Put(buf, elapsed, frameType, id, payload)
	return buf
}

// Put encodes an envelope into dst and returns the number of bytes written.
// dst must hold at least Size(len(payload)) bytes.
// Panics if the payload exceeds MaxPayloadSize.
func Put(dst []byte, elapsed uint32, frameType FrameType, id uint32, payload []byte) int {
	if len(payload) > MaxPayloadSize {
		panic(fmt.Sprintf("envelope: payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize))
	}
	n := Size(len(payload))
	_ = dst[n-1]

	binary.BigEndian.PutUint32(dst[0:4], uint32(n-LengthSize))
	binary.BigEndian.PutUint32(dst[4:8], elapsed)
	binary.BigEndian.PutUint16(dst[8:10], uint16(frameType))
	binary.BigEndian.PutUint32(dst[10:14], id)
	copy(dst[HeaderSize:], payload)

	crc := CalculateCRC(dst[LengthSize : n-CRCSize])
	binary.BigEndian.PutUint16(dst[n-CRCSize:n], crc)
	return n
}

// Decode parses and verifies a wire envelope.
// The returned payload does not alias data.
func Decode(data []byte) (*Envelope, error) {
	if err := check(data); err != nil {
		return nil, err
	}

	n := len(data)
	frameType := FrameType(binary.BigEndian.Uint16(data[8:10]))
	if frameType != FrameData && frameType != FrameRemote {
		return nil, fmt.Errorf("%w: %d", ErrFrameType, frameType)
	}

	payload := make([]byte, n-MinSize)
	copy(payload, data[HeaderSize:n-CRCSize])

	return &Envelope{
		Elapsed: binary.BigEndian.Uint32(data[4:8]),
		Type:    frameType,
		ID:      binary.BigEndian.Uint32(data[10:14]),
		Payload: payload,
		CRC:     binary.BigEndian.Uint16(data[n-CRCSize:]),
	}, nil
}

// Verify reports whether data is a well-formed envelope whose CRC matches
// its content.
func Verify(data []byte) bool {
	return check(data) == nil
}

func check(data []byte) error {
	n := len(data)
	if n < MinSize {
		return fmt.Errorf("%w: %d bytes (min %d)", ErrTooShort, n, MinSize)
	}
	if n > MaxSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLong, n, MaxSize)
	}
	if declared := binary.BigEndian.Uint32(data[0:4]); declared != uint32(n-LengthSize) {
		return fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, declared, n-LengthSize)
	}

	got := binary.BigEndian.Uint16(data[n-CRCSize:])
	calculated := CalculateCRC(data[LengthSize : n-CRCSize])
	if got != calculated {
		return fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, got)
	}
	return nil
}

// Bytes re-encodes the envelope to wire format.
func (e *Envelope) Bytes() []byte {
	return Encode(e.Elapsed, e.Type, e.ID, e.Payload)
}

// IsRemote returns true for remote transmission request frames
func (e *Envelope) IsRemote() bool {
	return e.Type == FrameRemote
}

// IsExtended returns true if the identifier does not fit 11 bits
func (e *Envelope) IsExtended() bool {
	return e.ID > 0x7FF
}
