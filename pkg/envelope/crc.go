// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package envelope

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_X_25)

// CalculateCRC computes the CRC-16/X-25 checksum for the given data
func CalculateCRC(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
