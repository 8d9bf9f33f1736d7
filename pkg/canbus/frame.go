// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package canbus provides the CAN frame type and the controllers the capture
// task reads from: Linux SocketCAN, log replay and a synthetic bus.
package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Identifier limits
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLen    = 8
)

// SocketCAN can_frame layout
const (
	canFrameSize = 16
	canEffFlag   = 0x80000000
	canRtrFlag   = 0x40000000
	canErrFlag   = 0x20000000
)

// Controller errors
var (
	// ErrTimeout means no frame arrived within the receive timeout. It is not
	// a failure.
	ErrTimeout      = errors.New("canbus: receive timeout")
	ErrNotRunning   = errors.New("canbus: controller not running")
	ErrNotSupported = errors.New("canbus: not supported on this platform")
	ErrInvalidID    = errors.New("canbus: invalid identifier")
	ErrInvalidLen   = errors.New("canbus: invalid data length")
	ErrErrorFrame   = errors.New("canbus: error frame")
)

// Frame is one classical CAN 2.0A/2.0B frame.
type Frame struct {
	ID       uint32 // 11-bit or 29-bit identifier
	Extended bool
	Remote   bool // remote transmission request
	Len      uint8
	Data     [MaxDataLen]byte
}

// Controller is a CAN controller. Start and Stop are idempotent.
type Controller interface {
	Start() error
	Stop() error
	IsRunning() bool
	// Receive waits up to timeout for the next frame. It returns ErrTimeout
	// when the bus was quiet.
	Receive(timeout time.Duration) (Frame, error)
}

// NewFrame builds a data frame. Identifiers above the standard range are
// marked extended.
func NewFrame(id uint32, data []byte) (Frame, error) {
	var f Frame
	if len(data) > MaxDataLen {
		return f, ErrInvalidLen
	}
	f.ID = id
	f.Extended = id > MaxStandardID
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, f.Validate()
}

// NewRemoteFrame builds a remote transmission request.
func NewRemoteFrame(id uint32) (Frame, error) {
	f := Frame{ID: id, Extended: id > MaxStandardID, Remote: true}
	return f, f.Validate()
}

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return ErrInvalidLen
	}
	limit := uint32(MaxStandardID)
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the data bytes. Remote frames carry none.
func (f *Frame) Payload() []byte {
	if f.Remote {
		return nil
	}
	return f.Data[:f.Len]
}

// String formats the frame in candump notation
func (f Frame) String() string {
	id := fmt.Sprintf("%03X", f.ID)
	if f.Extended {
		id = fmt.Sprintf("%08X", f.ID)
	}
	if f.Remote {
		return id + "#R"
	}
	return fmt.Sprintf("%s#%X", id, f.Data[:f.Len])
}

// MarshalBinary encodes the frame in the SocketCAN struct can_frame layout.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.Remote {
		id |= canRtrFlag
	}
	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a SocketCAN struct can_frame.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < canFrameSize {
		return fmt.Errorf("canbus: need %d bytes, got %d", canFrameSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	if id&canErrFlag != 0 {
		return ErrErrorFrame
	}
	f.Extended = id&canEffFlag != 0
	f.Remote = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & MaxExtendedID
	} else {
		f.ID = id & MaxStandardID
	}
	f.Len = data[4]
	if f.Len > MaxDataLen {
		return ErrInvalidLen
	}
	f.Data = [MaxDataLen]byte{}
	copy(f.Data[:], data[8:8+f.Len])
	return nil
}
