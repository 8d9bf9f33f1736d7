// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package update

import "errors"

// PartitionState is the verification state of a firmware image
type PartitionState int

// Partition states
const (
	StateUnverified PartitionState = iota
	StatePendingVerify
	StateValid
	StateUnsupported
)

// String returns the state name
func (s PartitionState) String() string {
	switch s {
	case StateUnverified:
		return "UNVERIFIED"
	case StatePendingVerify:
		return "PENDING_VERIFY"
	case StateValid:
		return "VALID"
	case StateUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// ErrUnsupported is returned by a partition manager when the running image
// has no rollback tracking, e.g. a factory image.
var ErrUnsupported = errors.New("rollback tracking not supported")

// Partition is an opaque handle to a firmware slot
type Partition interface {
	Label() string
}

// WriteSession appends an image to a partition. The write cursor only moves
// forward.
type WriteSession interface {
	Write(p []byte) error
	// Finalize completes the image. The partition is not bootable before.
	Finalize() error
	// Abort discards the session after a failure.
	Abort() error
}

// PartitionManager is the storage layer holding firmware images.
type PartitionManager interface {
	NextUpdateTarget() (Partition, error)
	// BeginWrite opens a write session, logically erasing the partition.
	BeginWrite(p Partition) (WriteSession, error)
	SetBootTarget(p Partition) error
	RunningPartitionState() (PartitionState, error)
	MarkValidCancelRollback() error
	// Restart reboots into the boot target. It only returns on failure.
	Restart() error
}
