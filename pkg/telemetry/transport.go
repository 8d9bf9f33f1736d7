// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry owns the device side of the serial link: the transport
// contract, the single write owner and the drain task that empties the
// outbound queue onto the link.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/canshark/pkg/envelope"
)

// Transport is the serial link to the host.
type Transport interface {
	io.Writer
	// ReadTimeout reads into p, waiting up to timeout for the first byte.
	// A timeout returns (0, nil).
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// ErrShortWrite is returned when the transport accepted only part of a line
var ErrShortWrite = errors.New("short write")

// Link serializes every write to the transport. The drain task and the
// command side both write through the same Link.
type Link struct {
	mu     sync.Mutex
	w      io.Writer
	lines  atomic.Uint64
	failed atomic.Uint64
}

// NewLink creates the write owner for w
func NewLink(w io.Writer) *Link {
	return &Link{w: w}
}

// WriteLine writes one complete line. A partial write is an error; nothing
// is retried.
func (l *Link) WriteLine(line []byte) error {
	l.mu.Lock()
	n, err := l.w.Write(line)
	l.mu.Unlock()

	if err == nil && n != len(line) {
		err = fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(line))
	}
	if err != nil {
		l.failed.Add(1)
		return err
	}
	l.lines.Add(1)
	return nil
}

// Notice writes a human-readable notice line
func (l *Link) Notice(text string) error {
	return l.WriteLine(envelope.NoticeLine(text))
}

// Lines returns the number of lines written
func (l *Link) Lines() uint64 {
	return l.lines.Load()
}

// WriteFailures returns the number of failed line writes
func (l *Link) WriteFailures() uint64 {
	return l.failed.Load()
}
