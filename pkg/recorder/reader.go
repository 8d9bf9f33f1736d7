// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/canshark/pkg/canbus"
	"github.com/Thermoquad/canshark/pkg/envelope"
)

// Read decodes every record from r
func Read(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}

// ReadFile decodes every record in a capture file
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Frames converts the envelope records to a replayable frame sequence.
// Offsets accumulate the device-side elapsed times, so a replay reproduces
// the original bus timing. Notices are skipped.
func Frames(records []Record) []canbus.TimedFrame {
	var frames []canbus.TimedFrame
	var offset time.Duration
	for i := range records {
		rec := &records[i]
		if rec.IsNotice() {
			continue
		}
		if len(frames) > 0 {
			offset += time.Duration(rec.Elapsed) * time.Microsecond
		}

		f := canbus.Frame{
			ID:       rec.ID,
			Extended: rec.ID > canbus.MaxStandardID,
			Remote:   envelope.FrameType(rec.Type) == envelope.FrameRemote,
		}
		if !f.Remote {
			n := copy(f.Data[:], rec.Payload)
			f.Len = uint8(n)
		}
		frames = append(frames, canbus.TimedFrame{Offset: offset, Frame: f})
	}
	return frames
}
