// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import (
	"sync"
	"time"
)

// ReplayOptions configure a Replay controller
type ReplayOptions struct {
	// Realtime paces frames by their recorded offsets. When false frames are
	// delivered as fast as Receive is called.
	Realtime bool
	// Loop restarts the recording after the last frame.
	Loop bool
}

// Replay plays back a recorded frame sequence as if it came from a bus.
// Each Start restarts playback from the first frame.
type Replay struct {
	mu      sync.Mutex
	frames  []TimedFrame
	opts    ReplayOptions
	running bool
	next    int
	base    time.Time

	sleep func(time.Duration)
	now   func() time.Time
}

// NewReplay creates a replay controller over frames
func NewReplay(frames []TimedFrame, opts ReplayOptions) *Replay {
	return &Replay{
		frames: frames,
		opts:   opts,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// Start begins playback
func (r *Replay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.next = 0
	r.base = r.now()
	return nil
}

// Stop halts playback. Stopping a stopped controller is a no-op.
func (r *Replay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	return nil
}

// IsRunning returns true between Start and Stop
func (r *Replay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Remaining returns the number of frames not yet delivered in this pass
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames) - r.next
}

// Receive returns the next recorded frame, waiting for its offset when
// pacing in real time.
func (r *Replay) Receive(timeout time.Duration) (Frame, error) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return Frame{}, ErrNotRunning
	}
	if r.next >= len(r.frames) {
		if !r.opts.Loop || len(r.frames) == 0 {
			r.mu.Unlock()
			// Recording finished; behave like a quiet bus
			r.sleep(timeout)
			return Frame{}, ErrTimeout
		}
		r.next = 0
		r.base = r.now()
	}

	tf := r.frames[r.next]
	if r.opts.Realtime {
		wait := r.base.Add(tf.Offset).Sub(r.now())
		if wait > timeout {
			r.mu.Unlock()
			r.sleep(timeout)
			return Frame{}, ErrTimeout
		}
		if wait > 0 {
			r.sleep(wait)
		}
	}
	r.next++
	r.mu.Unlock()
	return tf.Frame, nil
}
