// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package serialport is the device-side serial transport.
package serialport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the host tools
const DefaultBaudRate = 115200

// Port is a serial port with per-read timeouts
type Port struct {
	port serial.Port
	name string

	// readMu guards the configured read timeout
	readMu  sync.Mutex
	timeout time.Duration
}

// Open opens a serial port at 8N1
func Open(name string, baudRate int) (*Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return &Port{port: port, name: name, timeout: -1}, nil
}

// Name returns the port device name
func (p *Port) Name() string {
	return p.name
}

// ReadTimeout reads into b, waiting up to timeout. A timeout returns (0, nil).
func (p *Port) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if timeout != p.timeout {
		if err := p.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("set read timeout: %w", err)
		}
		p.timeout = timeout
	}
	return p.port.Read(b)
}

// Write writes b to the port
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// ResetInputBuffer discards received bytes not yet read
func (p *Port) ResetInputBuffer() error {
	return p.port.ResetInputBuffer()
}

// Close closes the port
func (p *Port) Close() error {
	return p.port.Close()
}

// List returns the names of the serial ports on this system
func List() ([]string, error) {
	return serial.GetPortsList()
}
