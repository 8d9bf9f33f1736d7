// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package envelope

import (
	"errors"
	"fmt"
	"time"
)

const hexDigits = "0123456789ABCDEF"

// Line decoding errors
var (
	ErrInvalidHex   = errors.New("invalid hex digit")
	ErrOddHexLength = errors.New("odd number of hex digits")
	ErrLineOverflow = errors.New("line too long")
	ErrUnexpected   = errors.New("unexpected byte")
)

// AppendLine appends the transport line for one encoded envelope to dst:
// '<', two uppercase hex digits per byte, '>', CR LF.
func AppendLine(dst, env []byte) []byte {
	dst = append(dst, StartByte)
	for _, b := range env {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	dst = append(dst, EndByte)
	return append(dst, LineTerminator...)
}

// NoticeLine renders a device notice as a transport line.
func NoticeLine(text string) []byte {
	line := make([]byte, 0, len(text)+2+len(LineTerminator))
	line = append(line, NoticeByte, ' ')
	line = append(line, text...)
	return append(line, LineTerminator...)
}

// Message is one decoded transport line: either an envelope or a notice.
type Message struct {
	Envelope  *Envelope
	Notice    string
	Timestamp time.Time
}

// IsNotice returns true if the line was a device notice
func (m *Message) IsNotice() bool {
	return m.Envelope == nil
}

// Line decoder states
const (
	lineIdle = iota
	lineHex
	lineNotice
	lineSkip
)

const maxNoticeSize = 256

// Decoder is the host-side state machine that turns the device byte stream
// back into messages.
type Decoder struct {
	state     int
	buffer    []byte // decoded envelope bytes
	high      byte
	haveHigh  bool
	notice    []byte
	rawBuffer []byte
}

// NewDecoder creates a new line decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     lineIdle,
		buffer:    make([]byte, 0, MaxSize),
		notice:    make([]byte, 0, maxNoticeSize),
		rawBuffer: make([]byte, 0, MaxLineSize),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = lineIdle
	d.buffer = d.buffer[:0]
	d.haveHigh = false
	d.notice = d.notice[:0]
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the raw bytes accumulated for the current line
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed message, or nil if the line is incomplete.
// Returns an error if the line is malformed; the decoder then waits for the
// next line.
func (d *Decoder) DecodeByte(b byte) (*Message, error) {
	if len(d.rawBuffer) < cap(d.rawBuffer) {
		d.rawBuffer = append(d.rawBuffer, b)
	}

	// A start byte always begins a new envelope line
	if b == StartByte {
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = lineHex
		return nil, nil
	}

	switch d.state {
	case lineIdle:
		switch b {
		case NoticeByte:
			d.state = lineNotice
		case '\r', '\n':
			d.rawBuffer = d.rawBuffer[:0]
		default:
			d.state = lineSkip
		}
		return nil, nil

	case lineSkip:
		// Garbage before synchronization; wait for the end of the line
		if b == '\n' {
			d.Reset()
		}
		return nil, nil

	case lineNotice:
		if b == '\n' {
			text := trimNotice(d.notice)
			d.Reset()
			return &Message{Notice: text, Timestamp: time.Now()}, nil
		}
		if len(d.notice) < maxNoticeSize {
			d.notice = append(d.notice, b)
		}
		return nil, nil

	case lineHex:
		if b == EndByte {
			if d.haveHigh {
				d.Reset()
				return nil, ErrOddHexLength
			}
			env, err := Decode(d.buffer)
			d.Reset()
			if err != nil {
				return nil, err
			}
			env.Timestamp = time.Now()
			return &Message{Envelope: env, Timestamp: env.Timestamp}, nil
		}

		v, ok := hexValue(b)
		if !ok {
			d.Reset()
			if b == '\n' {
				return nil, fmt.Errorf("%w: line ended before '>'", ErrUnexpected)
			}
			d.state = lineSkip
			return nil, fmt.Errorf("%w: 0x%02X", ErrInvalidHex, b)
		}
		if !d.haveHigh {
			d.high = v
			d.haveHigh = true
			return nil, nil
		}
		if len(d.buffer) >= MaxSize {
			d.Reset()
			d.state = lineSkip
			return nil, fmt.Errorf("%w: more than %d bytes", ErrLineOverflow, MaxSize)
		}
		d.buffer = append(d.buffer, d.high<<4|v)
		d.haveHigh = false
		return nil, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

func hexValue(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	}
	return 0, false
}

func trimNotice(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	for len(b) > 0 && b[0] == ' ' {
		b = b[1:]
	}
	return string(b)
}
