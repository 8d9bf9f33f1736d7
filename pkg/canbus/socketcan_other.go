// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !linux

package canbus

import "time"

// SocketCAN is only available on Linux.
type SocketCAN struct{}

// NewSocketCAN returns a controller whose Start always fails
func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{}
}

func (s *SocketCAN) Start() error    { return ErrNotSupported }
func (s *SocketCAN) Stop() error     { return nil }
func (s *SocketCAN) IsRunning() bool { return false }

func (s *SocketCAN) Receive(timeout time.Duration) (Frame, error) {
	return Frame{}, ErrNotRunning
}
