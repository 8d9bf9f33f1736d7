// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package control implements the host command channel: the shared control
// state and the parser that reads commands from the serial link.
//
// Commands are single bytes:
//
//	m              start sniffing
//	n              stop sniffing
//	u <size>       start a firmware update; size is an unsigned integer of
//	               the configured width, little-endian, followed by exactly
//	               size bytes of image data
//
// Any other byte is ignored. While an update is receiving, every byte is
// image data.
package control

import "sync/atomic"

// Command bytes
const (
	CmdStartSniffing = 'm'
	CmdStopSniffing  = 'n'
	CmdUpdate        = 'u'
)

// State is the control state shared between the parser and the capture
// task. The update session lives in the update engine.
type State struct {
	sniffing atomic.Bool
}

// Sniffing returns true while capture is enabled
func (s *State) Sniffing() bool {
	return s.sniffing.Load()
}

// SetSniffing enables or disables capture. Returns the previous value.
func (s *State) SetSniffing(on bool) bool {
	return s.sniffing.Swap(on)
}
