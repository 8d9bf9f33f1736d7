// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package envelope

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks host-side link statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalLines     uint64
	ValidEnvelopes uint64
	DataFrames     uint64
	RemoteFrames   uint64
	Notices        uint64
	CRCErrors      uint64
	LengthErrors   uint64
	LineErrors     uint64

	// Per-identifier frame counts
	ByID map[uint32]uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		ByID:           make(map[uint32]uint64),
	}
}

// Update updates statistics from one decoder result
func (s *Statistics) Update(msg *Message, decodeErr error) {
	s.TotalLines++

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrCRCMismatch):
			s.CRCErrors++
		case errors.Is(decodeErr, ErrLengthMismatch),
			errors.Is(decodeErr, ErrTooShort),
			errors.Is(decodeErr, ErrTooLong):
			s.LengthErrors++
		default:
			s.LineErrors++
		}
		return
	}

	if msg == nil {
		return
	}
	if msg.IsNotice() {
		s.Notices++
		return
	}

	s.ValidEnvelopes++
	if msg.Envelope.IsRemote() {
		s.RemoteFrames++
	} else {
		s.DataFrames++
	}
	s.ByID[msg.Envelope.ID]++
}

// TotalErrors returns the number of lines that failed to decode
func (s *Statistics) TotalErrors() uint64 {
	return s.CRCErrors + s.LengthErrors + s.LineErrors
}

// CalculateRates recalculates frame and error rates
func (s *Statistics) CalculateRates() {
	now := time.Now()
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.ValidEnvelopes) / elapsed
		s.ErrorRate = float64(s.TotalErrors()) / elapsed
	}
	s.LastUpdateTime = now
}

// SuccessRate returns the percentage of lines that decoded
func (s *Statistics) SuccessRate() float64 {
	decoded := s.ValidEnvelopes + s.Notices
	if s.TotalLines == 0 {
		return 0
	}
	return float64(decoded) * 100.0 / float64(s.TotalLines)
}

// Summary returns a multi-line statistics report
func (s *Statistics) Summary() string {
	s.CalculateRates()
	return fmt.Sprintf(
		"Lines: %d  Frames: %d (data %d, remote %d)  Notices: %d\n"+
			"Errors: %d (CRC %d, length %d, line %d)  Success: %.1f%%\n"+
			"Frame rate: %.1f/s  Error rate: %.2f/s  Unique IDs: %d\n",
		s.TotalLines, s.ValidEnvelopes, s.DataFrames, s.RemoteFrames, s.Notices,
		s.TotalErrors(), s.CRCErrors, s.LengthErrors, s.LineErrors, s.SuccessRate(),
		s.FrameRate, s.ErrorRate, len(s.ByID),
	)
}
