// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package recorder writes decoded link traffic to CBOR capture files and
// reads them back. A capture file is a CBOR sequence of Record items.
package recorder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/canshark/pkg/envelope"
)

// DefaultMaxRecords rotates files after this many records
const DefaultMaxRecords = 100_000

// Record is one captured line
type Record struct {
	// Time is the host receive time in Unix microseconds
	Time    int64  `cbor:"1,keyasint"`
	Elapsed uint32 `cbor:"2,keyasint,omitempty"`
	Type    uint16 `cbor:"3,keyasint,omitempty"`
	ID      uint32 `cbor:"4,keyasint,omitempty"`
	Payload []byte `cbor:"5,keyasint,omitempty"`
	Notice  string `cbor:"6,keyasint,omitempty"`
}

// IsNotice returns true for device notices
func (r *Record) IsNotice() bool {
	return r.Notice != ""
}

// FromMessage converts a decoded line to a record
func FromMessage(msg *envelope.Message) Record {
	rec := Record{Time: msg.Timestamp.UnixMicro()}
	if msg.IsNotice() {
		rec.Notice = msg.Notice
		return rec
	}
	rec.Elapsed = msg.Envelope.Elapsed
	rec.Type = uint16(msg.Envelope.Type)
	rec.ID = msg.Envelope.ID
	rec.Payload = msg.Envelope.Payload
	return rec
}

// Options configure a Writer
type Options struct {
	Dir        string
	Prefix     string
	MaxRecords int
}

// Writer records messages to rotating capture files
type Writer struct {
	mu   sync.Mutex
	opts Options

	file    *os.File
	buf     *bufio.Writer
	enc     *cbor.Encoder
	records int
	files   []string
	now     func() time.Time
}

// New creates a writer. The first file is created on the first record.
func New(opts Options) *Writer {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Prefix == "" {
		opts.Prefix = "canshark"
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	return &Writer{opts: opts, now: time.Now}
}

// Record appends one message
func (w *Writer) Record(msg *envelope.Message) error {
	rec := FromMessage(msg)
	return w.Write(&rec)
}

// Write appends one record
func (w *Writer) Write(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil || w.records >= w.opts.MaxRecords {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	w.records++
	return w.buf.Flush()
}

// Files returns every file created so far
func (w *Writer) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.files...)
}

// Close flushes and closes the current file
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

func (w *Writer) rotate() error {
	if err := w.closeFile(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.opts.Dir, err)
	}

	name := fmt.Sprintf("%s_%s_%03d.cbor", w.opts.Prefix, w.now().Format("2006-01-02_150405"), len(w.files))
	path := filepath.Join(w.opts.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w.file = f
	w.buf = bufio.NewWriter(f)
	w.enc = cbor.NewEncoder(w.buf)
	w.records = 0
	w.files = append(w.files, path)
	return nil
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	w.buf = nil
	w.enc = nil
	return err
}
