// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// SlotState is the lifecycle state of an image slot
type SlotState uint8

// Slot states
const (
	SlotEmpty         SlotState = iota // erased or partially written
	SlotWritten                        // finalized, not yet a boot target
	SlotUnverified                     // boot target, never booted
	SlotPendingVerify                  // booted once, waiting for confirmation
	SlotValid                          // confirmed by a running image
	SlotInvalid                        // rolled back
)

// String returns the state name
func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "EMPTY"
	case SlotWritten:
		return "WRITTEN"
	case SlotUnverified:
		return "UNVERIFIED"
	case SlotPendingVerify:
		return "PENDING_VERIFY"
	case SlotValid:
		return "VALID"
	case SlotInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// slotInfo is the persisted metadata for one slot
type slotInfo struct {
	State SlotState `cbor:"1,keyasint"`
	Size  uint64    `cbor:"2,keyasint"`
	// Seq increases with every image written to any slot
	Seq uint32 `cbor:"3,keyasint"`
}

// otaData is the persisted boot selection, stored as CBOR
type otaData struct {
	Boot     string              `cbor:"1,keyasint"`
	Previous string              `cbor:"2,keyasint,omitempty"`
	Seq      uint32              `cbor:"3,keyasint"`
	Slots    map[string]slotInfo `cbor:"4,keyasint"`
}

func loadOTAData(path string) (*otaData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d otaData
	if err := cbor.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if d.Slots == nil {
		d.Slots = make(map[string]slotInfo)
	}
	return &d, nil
}

// save writes the metadata atomically: a temporary file renamed over the
// old one, so a crash leaves either the old or the new selection.
func (d *otaData) save(path string) error {
	raw, err := cbor.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode OTA data: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
