// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SocketCAN reads raw frames from a Linux CAN network interface.
type SocketCAN struct {
	mu    sync.Mutex
	iface string
	fd    int
	buf   [canFrameSize]byte
}

// NewSocketCAN creates a controller for the named interface (e.g. "can0").
// The socket is opened by Start.
func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{iface: iface, fd: -1}
}

// Start opens and binds the raw CAN socket
func (s *SocketCAN) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd >= 0 {
		return nil
	}

	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return fmt.Errorf("canbus: interface %s: %w", s.iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("canbus: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("canbus: bind %s: %w", s.iface, err)
	}
	s.fd = fd
	return nil
}

// Stop closes the socket. Stopping a stopped controller is a no-op.
func (s *SocketCAN) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// IsRunning returns true while the socket is open
func (s *SocketCAN) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd >= 0
}

// Receive polls the socket for up to timeout and reads one frame.
// Error frames are reported as ErrTimeout.
func (s *SocketCAN) Receive(timeout time.Duration) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f Frame
	if s.fd < 0 {
		return f, ErrNotRunning
	}

	timeoutMs := int(timeout.Milliseconds())
	if timeoutMs <= 0 {
		timeoutMs = 1
	}
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, timeoutMs)
	if errors.Is(err, unix.EINTR) || n == 0 {
		return f, ErrTimeout
	}
	if err != nil {
		return f, fmt.Errorf("canbus: poll: %w", err)
	}

	n, err = unix.Read(s.fd, s.buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return f, ErrTimeout
		}
		return f, fmt.Errorf("canbus: read: %w", err)
	}
	if n != canFrameSize {
		return f, fmt.Errorf("canbus: short read (%d bytes)", n)
	}
	if err := f.UnmarshalBinary(s.buf[:]); err != nil {
		if errors.Is(err, ErrErrorFrame) {
			return Frame{}, ErrTimeout
		}
		return Frame{}, err
	}
	return f, nil
}
