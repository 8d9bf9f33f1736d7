// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"
)

// Virtual is a synthetic bus producing a steady stream of frames. Each
// identifier gets a frame per interval; payloads carry a big-endian counter
// followed by random bytes. Every tenth frame is a remote request.
type Virtual struct {
	mu       sync.Mutex
	ids      []uint32
	interval time.Duration
	rng      *rand.Rand
	running  bool
	counter  uint32
	last     time.Time
}

// NewVirtual creates a synthetic bus. Identifiers default to 0x100 and 0x200.
func NewVirtual(ids []uint32, interval time.Duration, seed int64) *Virtual {
	if len(ids) == 0 {
		ids = []uint32{0x100, 0x200}
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Virtual{
		ids:      ids,
		interval: interval / time.Duration(len(ids)),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (v *Virtual) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running {
		v.running = true
		v.last = time.Now()
	}
	return nil
}

func (v *Virtual) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.running = false
	return nil
}

func (v *Virtual) IsRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

// Receive waits for the next synthetic frame
func (v *Virtual) Receive(timeout time.Duration) (Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running {
		return Frame{}, ErrNotRunning
	}

	wait := time.Until(v.last.Add(v.interval))
	if wait > timeout {
		time.Sleep(timeout)
		return Frame{}, ErrTimeout
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	v.last = time.Now()

	id := v.ids[int(v.counter)%len(v.ids)]
	v.counter++
	if v.counter%10 == 0 {
		return NewRemoteFrame(id)
	}

	data := make([]byte, 4+v.rng.Intn(MaxDataLen-3))
	binary.BigEndian.PutUint32(data, v.counter)
	v.rng.Read(data[4:])
	return NewFrame(id, data)
}
