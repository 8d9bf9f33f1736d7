// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture is the producer side of the sniffer: it receives frames
// from the CAN controller while sniffing is enabled, timestamps each one
// relative to the previous frame and queues the encoded envelope.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/canshark/pkg/canbus"
	"github.com/Thermoquad/canshark/pkg/envelope"
)

// Defaults
const (
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultIdleInterval   = 10 * time.Millisecond
	DefaultErrorBackoff   = 500 * time.Millisecond
)

// Gate reports whether capture is enabled
type Gate interface {
	Sniffing() bool
}

// Sink accepts encoded envelopes. Push returns false when the envelope was
// dropped.
type Sink interface {
	Push(b []byte) bool
}

// Options configure a Capture
type Options struct {
	ReceiveTimeout time.Duration // bounded wait per receive
	IdleInterval   time.Duration // sleep per cycle while sniffing is off
	ErrorBackoff   time.Duration // sleep after a controller failure
}

// Stats is a snapshot of capture counters
type Stats struct {
	Captured         uint64
	Overflows        uint64
	ControllerErrors uint64
}

// Capture is the frame capture task.
type Capture struct {
	ctrl canbus.Controller
	gate Gate
	sink Sink
	opts Options
	log  zerolog.Logger
	// overflows are logged at most once per second
	overflowLog zerolog.Logger

	last time.Time
	buf  [envelope.MaxSize]byte

	captured   atomic.Uint64
	overflows  atomic.Uint64
	ctrlErrors atomic.Uint64

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a capture task. Zero options take the defaults.
func New(ctrl canbus.Controller, gate Gate, sink Sink, opts Options, log zerolog.Logger) *Capture {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = DefaultReceiveTimeout
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	log = log.With().Str("component", "capture").Logger()
	return &Capture{
		ctrl:        ctrl,
		gate:        gate,
		sink:        sink,
		opts:        opts,
		log:         log,
		overflowLog: log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Run executes capture cycles until ctx is cancelled. Controller failures
// are logged and retried after a backoff. The controller is stopped on exit.
func (c *Capture) Run(ctx context.Context) error {
	c.log.Info().Msg("Capture task started")
	defer func() {
		if err := c.ctrl.Stop(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to stop controller")
		}
		c.log.Info().Msg("Capture task stopped")
	}()

	for ctx.Err() == nil {
		if err := c.Cycle(); err != nil {
			c.ctrlErrors.Add(1)
			c.log.Error().Err(err).Msg("CAN controller failure")
			c.sleep(c.opts.ErrorBackoff)
		}
	}
	return nil
}

// Cycle runs one capture cycle against the current sniffing flag: with
// sniffing off it stops the controller and idles; with sniffing on it
// starts the controller if needed and captures at most one frame.
func (c *Capture) Cycle() error {
	if !c.gate.Sniffing() {
		if c.ctrl.IsRunning() {
			if err := c.ctrl.Stop(); err != nil {
				return fmt.Errorf("stop controller: %w", err)
			}
			c.log.Info().Msg("Sniffing stopped")
		}
		c.sleep(c.opts.IdleInterval)
		return nil
	}

	if !c.ctrl.IsRunning() {
		if err := c.ctrl.Start(); err != nil {
			return fmt.Errorf("start controller: %w", err)
		}
		c.last = c.now()
		c.log.Info().Msg("Sniffing started")
	}

	frame, err := c.ctrl.Receive(c.opts.ReceiveTimeout)
	if errors.Is(err, canbus.ErrTimeout) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	now := c.now()
	elapsed := elapsedMicros(now.Sub(c.last))
	c.last = now

	frameType := envelope.FrameData
	if frame.Remote {
		frameType = envelope.FrameRemote
	}
	n := envelope.Put(c.buf[:], elapsed, frameType, frame.ID, frame.Payload())
	c.captured.Add(1)

	if !c.sink.Push(c.buf[:n]) {
		total := c.overflows.Add(1)
		c.overflowLog.Warn().
			Uint64("overflows", total).
			Uint32("id", frame.ID).
			Msg("Outbound queue full, frame dropped")
	}
	return nil
}

// Stats returns a snapshot of the capture counters
func (c *Capture) Stats() Stats {
	return Stats{
		Captured:         c.captured.Load(),
		Overflows:        c.overflows.Load(),
		ControllerErrors: c.ctrlErrors.Load(),
	}
}

// elapsedMicros converts a gap to the envelope's u32 microsecond field,
// saturating at the field maximum.
func elapsedMicros(d time.Duration) uint32 {
	us := d.Microseconds()
	switch {
	case us < 0:
		return 0
	case us > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(us)
}
