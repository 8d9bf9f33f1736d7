// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors
var (
	ErrSizeWidth = errors.New("size field width must be 2, 4 or 8")
	ErrSizeRange = errors.New("image size does not fit the size field")
	ErrZeroSize  = errors.New("image size must be positive")
)

// UpdateHeader builds the host side of an update command: the command byte
// followed by the image size, little-endian, in a field width bytes wide.
func UpdateHeader(size uint64, width int) ([]byte, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	hdr := make([]byte, 1+width)
	hdr[0] = CmdUpdate
	switch width {
	case 2:
		if size > 0xFFFF {
			return nil, fmt.Errorf("%w: %d bytes in %d", ErrSizeRange, size, width)
		}
		binary.LittleEndian.PutUint16(hdr[1:], uint16(size))
	case 4:
		if size > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: %d bytes in %d", ErrSizeRange, size, width)
		}
		binary.LittleEndian.PutUint32(hdr[1:], uint32(size))
	case 8:
		binary.LittleEndian.PutUint64(hdr[1:], size)
	default:
		return nil, ErrSizeWidth
	}
	return hdr, nil
}
