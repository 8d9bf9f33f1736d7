// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Defaults
const (
	DefaultReadTimeout = 100 * time.Millisecond
	DefaultBufferSize  = 1024
	DefaultSizeWidth   = strconv.IntSize / 8
	readErrorBackoff   = 500 * time.Millisecond
)

// Reader is the receive side of the serial link
type Reader interface {
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	ResetInputBuffer() error
}

// Updater receives image bytes while an update is in progress
type Updater interface {
	Receiving() bool
	Begin(size uint64) error
	Write(chunk []byte) (int, error)
}

// Options configure a Parser
type Options struct {
	ReadTimeout time.Duration
	BufferSize  int
	// SizeWidth is the width in bytes of the update size field: 2, 4 or 8.
	SizeWidth int
	// FlushOnStart discards buffered input once an update is accepted. The
	// host must wait before streaming the image.
	FlushOnStart bool
}

// ParserStats is a snapshot of parser counters
type ParserStats struct {
	Commands     uint64
	Updates      uint64
	Rejected     uint64
	IgnoredBytes uint64
	ImageBytes   uint64
}

// Parser is the command parser task
type Parser struct {
	r       Reader
	state   *State
	updater Updater
	opts    Options
	log     zerolog.Logger

	buf  []byte
	size [8]byte

	commands atomic.Uint64
	updates  atomic.Uint64
	rejected atomic.Uint64
	ignored  atomic.Uint64
	image    atomic.Uint64
}

// NewParser creates a parser. Zero options take the defaults, except
// FlushOnStart which must be set explicitly.
func NewParser(r Reader, state *State, updater Updater, opts Options, log zerolog.Logger) *Parser {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	switch opts.SizeWidth {
	case 2, 4, 8:
	default:
		opts.SizeWidth = DefaultSizeWidth
	}
	return &Parser{
		r:       r,
		state:   state,
		updater: updater,
		opts:    opts,
		log:     log.With().Str("component", "parser").Logger(),
		buf:     make([]byte, opts.BufferSize),
	}
}

// Run reads and handles input until ctx is cancelled
func (p *Parser) Run(ctx context.Context) error {
	p.log.Info().Msg("Command parser started")
	for ctx.Err() == nil {
		n, err := p.r.ReadTimeout(p.buf, p.opts.ReadTimeout)
		if err != nil {
			p.log.Error().Err(err).Msg("Serial read failed")
			select {
			case <-ctx.Done():
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		if n > 0 {
			p.Feed(p.buf[:n])
		}
	}
	p.log.Info().Msg("Command parser stopped")
	return nil
}

// Feed handles one chunk of received bytes. Image bytes go to the updater
// before any command dispatch.
func (p *Parser) Feed(chunk []byte) {
	for len(chunk) > 0 {
		if p.updater.Receiving() {
			n, err := p.updater.Write(chunk)
			p.image.Add(uint64(n))
			if err != nil {
				p.log.Debug().Err(err).Msg("Image write rejected")
			}
			if n == 0 {
				return
			}
			chunk = chunk[n:]
			continue
		}

		b := chunk[0]
		chunk = chunk[1:]
		switch b {
		case CmdStartSniffing:
			p.commands.Add(1)
			if !p.state.SetSniffing(true) {
				p.log.Info().Msg("Sniffing enabled")
			}
		case CmdStopSniffing:
			p.commands.Add(1)
			if p.state.SetSniffing(false) {
				p.log.Info().Msg("Sniffing disabled")
			}
		case CmdUpdate:
			p.commands.Add(1)
			var ok bool
			chunk, ok = p.startUpdate(chunk)
			if !ok {
				p.rejected.Add(1)
			}
		default:
			p.ignored.Add(1)
		}
	}
}

// startUpdate reads the size field, taking the bytes still in chunk first
// and waiting one read timeout for the rest. Returns the unconsumed input.
func (p *Parser) startUpdate(chunk []byte) ([]byte, bool) {
	width := p.opts.SizeWidth
	got := copy(p.size[:width], chunk)
	chunk = chunk[got:]

	for got < width {
		n, err := p.r.ReadTimeout(p.size[got:width], p.opts.ReadTimeout)
		if err != nil || n == 0 {
			p.log.Warn().Err(err).Int("got", got).Int("want", width).Msg("Update rejected: size field too short")
			return chunk, false
		}
		got += n
	}

	size := p.decodeSize()
	if size == 0 {
		p.log.Warn().Msg("Update rejected: zero size")
		return chunk, false
	}

	// Storage failures are logged by the updater; the image is then
	// discarded as it arrives.
	if err := p.updater.Begin(size); err == nil {
		p.updates.Add(1)
	}

	if p.opts.FlushOnStart {
		if err := p.r.ResetInputBuffer(); err != nil {
			p.log.Warn().Err(err).Msg("Failed to flush serial input")
		}
		return nil, true
	}
	return chunk, true
}

func (p *Parser) decodeSize() uint64 {
	switch p.opts.SizeWidth {
	case 2:
		return uint64(binary.LittleEndian.Uint16(p.size[:2]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p.size[:4]))
	default:
		return binary.LittleEndian.Uint64(p.size[:8])
	}
}

// Stats returns a snapshot of the parser counters
func (p *Parser) Stats() ParserStats {
	return ParserStats{
		Commands:     p.commands.Load(),
		Updates:      p.updates.Load(),
		Rejected:     p.rejected.Load(),
		IgnoredBytes: p.ignored.Load(),
		ImageBytes:   p.image.Load(),
	}
}
