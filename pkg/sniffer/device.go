// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sniffer assembles the device: boot validation, then the capture,
// drain and command parser tasks sharing one control state, one outbound
// queue and one transport.
package sniffer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/canshark/pkg/canbus"
	"github.com/Thermoquad/canshark/pkg/capture"
	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/outqueue"
	"github.com/Thermoquad/canshark/pkg/telemetry"
	"github.com/Thermoquad/canshark/pkg/update"
)

// Options configure a Device
type Options struct {
	QueueCapacity int
	Capture       capture.Options
	DrainInterval time.Duration
	Control       control.Options
	Update        update.Options
	// StatsInterval is the period of the stats log; zero disables it.
	StatsInterval time.Duration
}

// Stats is a snapshot of every device counter
type Stats struct {
	Sniffing      bool
	Queued        int
	Capture       capture.Stats
	Drain         telemetry.DrainStats
	Parser        control.ParserStats
	Update        update.Session
	UpdateCommits uint64
	UpdateFails   uint64
}

// Device is the sniffer core
type Device struct {
	State   *control.State
	Queue   *outqueue.Queue
	Link    *telemetry.Link
	Engine  *update.Engine
	Capture *capture.Capture
	Drain   *telemetry.Drain
	Parser  *control.Parser

	opts Options
	log  zerolog.Logger
}

// New builds a device. Sniffing starts disabled.
func New(transport telemetry.Transport, ctrl canbus.Controller, pm update.PartitionManager, opts Options, log zerolog.Logger) *Device {
	d := &Device{
		State: &control.State{},
		Queue: outqueue.New(opts.QueueCapacity),
		Link:  telemetry.NewLink(transport),
		opts:  opts,
		log:   log,
	}
	d.Engine = update.NewEngine(pm, d.Link, opts.Update, log)
	d.Capture = capture.New(ctrl, d.State, d.Queue, opts.Capture, log)
	d.Drain = telemetry.NewDrain(d.Queue, d.Link, opts.DrainInterval, log)
	d.Parser = control.NewParser(transport, d.State, d.Engine, opts.Control, log)
	return d
}

// Boot runs the one-shot boot validation. A failure is logged; the device
// keeps running the current image.
func Boot(pm update.PartitionManager, log zerolog.Logger) {
	if err := update.ValidateBoot(pm, log); err != nil {
		log.Error().Err(err).Msg("Boot validation failed")
	}
}

// Run runs every task until ctx is cancelled
func (d *Device) Run(ctx context.Context) error {
	d.log.Info().
		Int("queue_capacity", d.Queue.Capacity()).
		Msg("Sniffer running")

	tasks := []func(context.Context) error{
		d.Capture.Run,
		d.Drain.Run,
		d.Parser.Run,
	}
	if d.opts.StatsInterval > 0 {
		tasks = append(tasks, d.logStats)
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil {
				d.log.Error().Err(err).Msg("Task failed")
			}
		}(task)
	}
	wg.Wait()
	d.log.Info().Msg("Sniffer stopped")
	return nil
}

// Stats returns a snapshot of the device counters
func (d *Device) Stats() Stats {
	commits, fails := d.Engine.Counts()
	return Stats{
		Sniffing:      d.State.Sniffing(),
		Queued:        d.Queue.Len(),
		Capture:       d.Capture.Stats(),
		Drain:         d.Drain.Stats(),
		Parser:        d.Parser.Stats(),
		Update:        d.Engine.Session(),
		UpdateCommits: commits,
		UpdateFails:   fails,
	}
}

func (d *Device) logStats(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := d.Stats()
			d.log.Info().
				Str("component", "stats").
				Bool("sniffing", s.Sniffing).
				Uint64("captured", s.Capture.Captured).
				Uint64("overflows", s.Capture.Overflows).
				Uint64("controller_errors", s.Capture.ControllerErrors).
				Uint64("sent", s.Drain.Sent).
				Uint64("write_failures", s.Drain.WriteFailures).
				Int("queued", s.Queued).
				Str("update", s.Update.Status.String()).
				Msg("Device statistics")
		}
	}
}
