// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package outqueue is the bounded queue between frame capture and the
// telemetry drain.
//
// Entries live in a fixed pool of MaxSize byte slots. Push copies an encoded
// envelope into a free slot and appends the slot index to a FIFO ring;
// DrainAll hands every queued slot to the consumer in push order. A slot is
// only reused after the consumer releases it, so queued and in-flight entries
// together never exceed the capacity.
package outqueue

import (
	"sync"
	"sync/atomic"

	"github.com/Thermoquad/canshark/pkg/envelope"
)

// DefaultCapacity is the number of envelope slots in a queue
const DefaultCapacity = 2048

// Queue is a single-producer, single-consumer bounded FIFO of encoded
// envelopes. Push never blocks.
type Queue struct {
	mu    sync.Mutex
	slots [][envelope.MaxSize]byte
	lens  []uint8
	free  []int  // stack of free slot indices
	ring  []int  // queued slot indices
	head  int    // ring index of the oldest entry
	count int    // queued entries
	inUse []bool // slot is queued or in flight

	pushed  atomic.Uint64
	dropped atomic.Uint64
	drained atomic.Uint64

	notify chan struct{}
}

// Entry is one drained envelope. It stays valid until Release is called.
type Entry struct {
	q    *Queue
	slot int
	n    int
}

// New creates a queue with the given number of slots
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		slots:  make([][envelope.MaxSize]byte, capacity),
		lens:   make([]uint8, capacity),
		free:   make([]int, capacity),
		ring:   make([]int, capacity),
		inUse:  make([]bool, capacity),
		notify: make(chan struct{}, 1),
	}
	for i := range q.free {
		// Lowest slot on top of the stack
		q.free[i] = capacity - 1 - i
	}
	return q
}

// Capacity returns the number of slots
func (q *Queue) Capacity() int {
	return len(q.slots)
}

// Push copies b into a free slot and queues it. Returns false if b was
// dropped because every slot is queued or in flight.
func (q *Queue) Push(b []byte) bool {
	if len(b) > envelope.MaxSize {
		panic("outqueue: entry larger than envelope.MaxSize")
	}

	q.mu.Lock()
	if len(q.free) == 0 {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	slot := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	q.inUse[slot] = true
	q.lens[slot] = uint8(copy(q.slots[slot][:], b))
	q.ring[(q.head+q.count)%len(q.ring)] = slot
	q.count++
	q.mu.Unlock()

	q.pushed.Add(1)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// DrainAll removes every queued entry in push order. The caller owns the
// returned entries and must release each one.
func (q *Queue) DrainAll() []Entry {
	return q.DrainInto(nil)
}

// DrainInto is DrainAll appending to dst, so a consumer can reuse one batch
// slice across cycles.
func (q *Queue) DrainInto(dst []Entry) []Entry {
	q.mu.Lock()
	for i := 0; i < q.count; i++ {
		slot := q.ring[(q.head+i)%len(q.ring)]
		dst = append(dst, Entry{q: q, slot: slot, n: int(q.lens[slot])})
	}
	n := q.count
	q.head = (q.head + q.count) % len(q.ring)
	q.count = 0
	q.mu.Unlock()

	q.drained.Add(uint64(n))
	return dst
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Notify returns a channel that receives a value after a push. Multiple
// pushes may coalesce into one notification.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Pushed returns the number of accepted entries
func (q *Queue) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped returns the number of entries dropped on overflow
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Drained returns the number of entries handed to the consumer
func (q *Queue) Drained() uint64 {
	return q.drained.Load()
}

func (q *Queue) release(slot int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inUse[slot] {
		return
	}
	q.inUse[slot] = false
	q.free = append(q.free, slot)
}

// Bytes returns the encoded envelope. The slice aliases the slot and must
// not be used after Release.
func (e *Entry) Bytes() []byte {
	if e.q == nil {
		return nil
	}
	return e.q.slots[e.slot][:e.n]
}

// Len returns the encoded envelope size
func (e *Entry) Len() int {
	return e.n
}

// Release returns the slot to the pool. Releasing twice is a no-op.
func (e *Entry) Release() {
	if e.q == nil {
		return
	}
	e.q.release(e.slot)
	e.q = nil
}
