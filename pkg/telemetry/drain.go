// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/canshark/pkg/envelope"
	"github.com/Thermoquad/canshark/pkg/outqueue"
)

// DefaultDrainInterval is the longest the drain task sleeps between cycles
// when no push notification arrives.
const DefaultDrainInterval = 10 * time.Millisecond

// DrainStats is a snapshot of drain counters
type DrainStats struct {
	Cycles        uint64
	Sent          uint64
	WriteFailures uint64
}

// Drain is the telemetry drain task: it empties the outbound queue and
// writes each envelope as a hex line.
type Drain struct {
	queue    *outqueue.Queue
	link     *Link
	interval time.Duration
	log      zerolog.Logger
	failLog  zerolog.Logger

	batch []outqueue.Entry
	line  []byte

	cycles   atomic.Uint64
	sent     atomic.Uint64
	failures atomic.Uint64
}

// NewDrain creates a drain task
func NewDrain(queue *outqueue.Queue, link *Link, interval time.Duration, log zerolog.Logger) *Drain {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	log = log.With().Str("component", "drain").Logger()
	return &Drain{
		queue:    queue,
		link:     link,
		interval: interval,
		log:      log,
		failLog:  log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
		batch:    make([]outqueue.Entry, 0, queue.Capacity()),
		line:     make([]byte, 0, envelope.MaxLineSize),
	}
}

// Run drains the queue whenever it is notified of a push, and at least once
// per interval, until ctx is cancelled. Whatever is queued at cancellation
// is flushed first.
func (d *Drain) Run(ctx context.Context) error {
	d.log.Info().Msg("Drain task started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.DrainOnce()
			d.log.Info().Msg("Drain task stopped")
			return nil
		case <-d.queue.Notify():
		case <-ticker.C:
		}
		d.DrainOnce()
	}
}

// DrainOnce takes every queued entry and writes them in order. A failed
// write is counted and not retried. Returns the number of lines sent.
func (d *Drain) DrainOnce() int {
	d.cycles.Add(1)
	d.batch = d.queue.DrainInto(d.batch[:0])

	sent := 0
	for i := range d.batch {
		e := &d.batch[i]
		d.line = envelope.AppendLine(d.line[:0], e.Bytes())
		err := d.link.WriteLine(d.line)
		e.Release()

		if err != nil {
			n := d.failures.Add(1)
			d.failLog.Warn().Err(err).Uint64("write_failures", n).Msg("Telemetry write failed")
			continue
		}
		sent++
	}
	d.sent.Add(uint64(sent))
	return sent
}

// Stats returns a snapshot of the drain counters
func (d *Drain) Stats() DrainStats {
	return DrainStats{
		Cycles:        d.cycles.Load(),
		Sent:          d.sent.Load(),
		WriteFailures: d.failures.Load(),
	}
}
