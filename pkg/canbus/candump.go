// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// TimedFrame is a frame with its offset from the start of a recording
type TimedFrame struct {
	Offset time.Duration
	Frame  Frame
}

// ParseCandumpLine parses one line of `candump -l` output:
//
//	(1436509052.249713) can0 123#DEADBEEF
//	(1436509052.249800) can0 1FFFFFFF#R
//
// The returned timestamp is the absolute capture time in microseconds.
func ParseCandumpLine(line string) (Frame, int64, error) {
	var f Frame

	line = strings.TrimSpace(line)
	start := strings.Index(line, "(")
	end := strings.Index(line, ")")
	if start != 0 || end < start {
		return f, 0, fmt.Errorf("no timestamp")
	}
	ts, err := parseMicros(line[start+1 : end])
	if err != nil {
		return f, 0, fmt.Errorf("invalid timestamp: %w", err)
	}

	fields := strings.Fields(line[end+1:])
	if len(fields) != 2 {
		return f, 0, fmt.Errorf("expected interface and frame, got %d fields", len(fields))
	}
	body := fields[1]

	idxHash := strings.Index(body, "#")
	if idxHash == -1 {
		return f, 0, fmt.Errorf("no # separator found")
	}
	if strings.HasPrefix(body[idxHash+1:], "#") {
		return f, 0, fmt.Errorf("CAN FD frames are not supported")
	}

	idPart := body[:idxHash]
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return f, 0, fmt.Errorf("invalid identifier %q: %w", idPart, err)
	}
	f.ID = uint32(id)
	f.Extended = len(idPart) > 3

	payload := body[idxHash+1:]
	if strings.HasPrefix(payload, "R") {
		f.Remote = true
		return f, ts, f.Validate()
	}
	data, err := hex.DecodeString(strings.ReplaceAll(payload, ".", ""))
	if err != nil {
		return f, 0, fmt.Errorf("invalid payload: %w", err)
	}
	if len(data) > MaxDataLen {
		return f, 0, ErrInvalidLen
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, ts, f.Validate()
}

// parseMicros converts "seconds.fraction" to microseconds without going
// through float64.
func parseMicros(s string) (int64, error) {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return 0, err
	}
	if len(fracStr) > 6 {
		fracStr = fracStr[:6]
	}
	for len(fracStr) < 6 {
		fracStr += "0"
	}
	frac, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return sec*1_000_000 + frac, nil
}

// ReadCandump reads a candump log. Blank lines and '#' comments are skipped;
// offsets are relative to the first frame.
func ReadCandump(r io.Reader) ([]TimedFrame, error) {
	var frames []TimedFrame
	var first int64
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f, ts, err := ParseCandumpLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(frames) == 0 {
			first = ts
		}
		offset := ts - first
		if offset < 0 {
			offset = 0
		}
		frames = append(frames, TimedFrame{Offset: time.Duration(offset) * time.Microsecond, Frame: f})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
