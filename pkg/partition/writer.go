// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package partition

import (
	"fmt"
	"os"
)

// writer is a sequential write session on one slot
type writer struct {
	m       *Manager
	slot    *Slot
	f       *os.File
	written int64
	closed  bool
}

// Write appends p at the write cursor
func (w *writer) Write(p []byte) error {
	if w.closed {
		return ErrSessionClosed
	}
	if w.written+int64(len(p)) > w.m.opts.SlotSize {
		return fmt.Errorf("%w: %d bytes > %d", ErrPartitionFull, w.written+int64(len(p)), w.m.opts.SlotSize)
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", w.slot.label, err)
	}
	return nil
}

// Finalize flushes the image and marks the slot written
func (w *writer) Finalize() error {
	if w.closed {
		return ErrSessionClosed
	}
	w.closed = true

	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}

	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.writing = ""
	if err != nil {
		return fmt.Errorf("flush %s: %w", w.slot.label, err)
	}
	if w.written == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNotFinalized, w.slot.label)
	}

	w.m.data.Seq++
	w.m.data.Slots[w.slot.label] = slotInfo{
		State: SlotWritten,
		Size:  uint64(w.written),
		Seq:   w.m.data.Seq,
	}
	return w.m.data.save(w.m.dataPath())
}

// Abort closes the session leaving the slot empty
func (w *writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.f.Close()

	w.m.mu.Lock()
	w.m.writing = ""
	w.m.mu.Unlock()
	return err
}
