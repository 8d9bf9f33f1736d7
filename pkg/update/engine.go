// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package update implements firmware update staging: a declared-size image
// streamed into the inactive partition, committed as the next boot target,
// and confirmed on the first boot after the update.
package update

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Status is the state of an update session
type Status int

// Session states
const (
	StatusIdle Status = iota
	StatusReceiving
	StatusCommitting
	StatusCommitted
	StatusFailed
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusReceiving:
		return "RECEIVING"
	case StatusCommitting:
		return "COMMITTING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Stage names the step an update failed in
type Stage string

// Failure stages
const (
	StageBegin      Stage = "begin"
	StageWrite      Stage = "write"
	StageFinalize   Stage = "finalize"
	StageBootTarget Stage = "boot_target"
)

// Notices sent to the host
const (
	CompleteNotice     = "update complete, restarting"
	FailedNoticePrefix = "update failed: "
	failedNotice       = FailedNoticePrefix + "%s"
)

// Engine errors
var (
	ErrZeroSize      = errors.New("declared image size is zero")
	ErrSessionActive = errors.New("update session already active")
	ErrNoSession     = errors.New("no update session")
)

// Error is a storage failure during an update
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("update %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Session is a snapshot of an update session
type Session struct {
	DeclaredSize uint64
	BytesWritten uint64
	Status       Status
	Target       string
	FailedStage  Stage
}

// Remaining returns the number of image bytes still expected
func (s Session) Remaining() uint64 {
	return s.DeclaredSize - s.BytesWritten
}

// Notifier sends a human-readable notice to the host
type Notifier interface {
	Notice(text string) error
}

// Options configure an Engine
type Options struct {
	// ReportFailures sends a failure notice to the host in addition to
	// logging it.
	ReportFailures bool
}

// Engine owns the update session. All methods are safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	pm       PartitionManager
	notifier Notifier
	opts     Options
	log      zerolog.Logger

	session Session
	target  Partition
	ws      WriteSession
	// discard counts image bytes still to be swallowed after a failure
	discard uint64

	commits  uint64
	failures uint64
}

// NewEngine creates an idle engine
func NewEngine(pm PartitionManager, notifier Notifier, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		pm:       pm,
		notifier: notifier,
		opts:     opts,
		log:      log.With().Str("component", "update").Logger(),
	}
}

// Begin starts a session for an image of size bytes. A storage failure
// leaves the session Failed and the declared bytes are discarded as they
// arrive.
func (e *Engine) Begin(size uint64) error {
	if size == 0 {
		return ErrZeroSize
	}

	e.mu.Lock()
	if e.active() {
		e.mu.Unlock()
		return ErrSessionActive
	}
	e.session = Session{DeclaredSize: size, Status: StatusReceiving}
	e.target = nil
	e.ws = nil
	e.discard = 0

	target, err := e.pm.NextUpdateTarget()
	if err == nil {
		e.session.Target = target.Label()
		e.target = target
		e.ws, err = e.pm.BeginWrite(target)
	}
	if err != nil {
		uerr := e.fail(StageBegin, err)
		e.discard = size
		e.mu.Unlock()
		e.reportFailure(uerr)
		return uerr
	}

	e.log.Info().
		Uint64("size", size).
		Str("target", e.session.Target).
		Msg("Update session started")
	e.mu.Unlock()
	return nil
}

// Receiving returns true while incoming bytes belong to an image, either a
// session in progress or a failed session's discard window.
func (e *Engine) Receiving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active()
}

func (e *Engine) active() bool {
	return e.session.Status == StatusReceiving || e.discard > 0
}

// Write consumes image bytes from chunk and returns how many belonged to
// the image; bytes past the declared size are left to the caller. When the
// last byte arrives the image is committed and the device restarted.
func (e *Engine) Write(chunk []byte) (int, error) {
	e.mu.Lock()

	if e.discard > 0 {
		n := uint64(len(chunk))
		if n > e.discard {
			n = e.discard
		}
		e.discard -= n
		if e.discard == 0 {
			e.log.Info().Msg("Discarded remainder of failed image")
		}
		e.mu.Unlock()
		return int(n), nil
	}

	if e.session.Status != StatusReceiving {
		e.mu.Unlock()
		return 0, ErrNoSession
	}

	part := chunk
	if remaining := e.session.Remaining(); uint64(len(part)) > remaining {
		part = part[:remaining]
	}
	if len(part) == 0 {
		e.mu.Unlock()
		return 0, nil
	}

	if err := e.ws.Write(part); err != nil {
		e.session.BytesWritten += uint64(len(part))
		uerr := e.fail(StageWrite, err)
		e.discard = e.session.Remaining()
		e.mu.Unlock()
		e.reportFailure(uerr)
		return len(part), uerr
	}
	e.session.BytesWritten += uint64(len(part))

	if e.session.Remaining() > 0 {
		e.mu.Unlock()
		return len(part), nil
	}

	err := e.commit()
	e.mu.Unlock()

	if err != nil {
		e.reportFailure(err)
		return len(part), err
	}
	e.restart()
	return len(part), nil
}

// commit finalizes the image and makes it the boot target. Called with the
// lock held.
func (e *Engine) commit() error {
	e.session.Status = StatusCommitting
	e.log.Info().Uint64("bytes", e.session.BytesWritten).Msg("Image received, committing")

	if err := e.ws.Finalize(); err != nil {
		return e.fail(StageFinalize, err)
	}
	if err := e.pm.SetBootTarget(e.target); err != nil {
		return e.fail(StageBootTarget, err)
	}

	e.ws = nil
	e.session.Status = StatusCommitted
	e.commits++
	e.log.Info().Str("target", e.session.Target).Msg("Update committed")
	return nil
}

// fail marks the session Failed. Called with the lock held.
func (e *Engine) fail(stage Stage, err error) error {
	if e.ws != nil && stage != StageBootTarget {
		if aerr := e.ws.Abort(); aerr != nil {
			e.log.Warn().Err(aerr).Msg("Failed to abort write session")
		}
	}
	e.ws = nil
	e.session.Status = StatusFailed
	e.session.FailedStage = stage
	e.failures++

	e.log.Error().
		Err(err).
		Str("stage", string(stage)).
		Uint64("bytes_written", e.session.BytesWritten).
		Uint64("declared_size", e.session.DeclaredSize).
		Msg("Update failed, staying on current firmware")
	return &Error{Stage: stage, Err: err}
}

func (e *Engine) reportFailure(err error) {
	if !e.opts.ReportFailures || e.notifier == nil {
		return
	}
	var uerr *Error
	if !errors.As(err, &uerr) {
		return
	}
	if nerr := e.notifier.Notice(fmt.Sprintf(failedNotice, uerr.Stage)); nerr != nil {
		e.log.Warn().Err(nerr).Msg("Failed to send failure notice")
	}
}

func (e *Engine) restart() {
	if e.notifier != nil {
		if err := e.notifier.Notice(CompleteNotice); err != nil {
			e.log.Warn().Err(err).Msg("Failed to send completion notice")
		}
	}
	e.log.Info().Msg("Restarting device")
	if err := e.pm.Restart(); err != nil {
		e.log.Error().Err(err).Msg("Restart failed")
	}
}

// Session returns a snapshot of the current or last session
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Counts returns the number of committed and failed sessions
func (e *Engine) Counts() (commits, failures uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commits, e.failures
}
