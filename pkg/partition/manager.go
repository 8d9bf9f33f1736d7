// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package partition is a file-backed A/B firmware store. Each slot is a
// file in one directory; the boot selection and per-slot verification
// states live in a CBOR metadata file next to them.
//
// Opening a Manager performs the boot-time slot selection: a slot booting
// for the first time becomes pending verification, and a slot that is still
// pending verification on the next boot is marked invalid and rolled back.
package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/canshark/pkg/update"
)

// Slot labels
const (
	Factory = "factory"
	OTA0    = "ota_0"
	OTA1    = "ota_1"
)

// File names
const (
	OTADataFile = "otadata.cbor"
	imageExt    = ".bin"
)

// DefaultSlotSize is the capacity of each OTA slot
const DefaultSlotSize = 4 << 20

// Errors
var (
	ErrPartitionFull    = errors.New("image exceeds partition size")
	ErrRunningPartition = errors.New("cannot write the running partition")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrNotFinalized     = errors.New("partition holds no finalized image")
	ErrSessionClosed    = errors.New("write session closed")
	ErrNoRestart        = errors.New("restart not available")
)

// Options configure a Manager
type Options struct {
	SlotSize int64
	// Restart is called to reboot into the boot target.
	Restart func() error
}

// Slot is a partition handle
type Slot struct {
	label string
}

// Label returns the slot name
func (s *Slot) Label() string {
	return s.label
}

// SlotStatus describes one slot for display
type SlotStatus struct {
	Label   string
	State   SlotState
	Size    uint64
	Seq     uint32
	Boot    bool
	Running bool
}

// Manager implements update.PartitionManager over a directory
type Manager struct {
	mu       sync.Mutex
	dir      string
	opts     Options
	log      zerolog.Logger
	data     *otaData
	running  string
	writing  string
	slots    map[string]*Slot
	rollback bool
}

// Open loads or initializes the store in dir and selects the running slot
func Open(dir string, opts Options, log zerolog.Logger) (*Manager, error) {
	if opts.SlotSize <= 0 {
		opts.SlotSize = DefaultSlotSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}

	m := &Manager{
		dir:  dir,
		opts: opts,
		log:  log.With().Str("component", "partition").Logger(),
		slots: map[string]*Slot{
			OTA0: {label: OTA0},
			OTA1: {label: OTA1},
		},
	}
	if _, err := os.Stat(m.imagePath(Factory)); err == nil {
		m.slots[Factory] = &Slot{label: Factory}
	}

	data, err := loadOTAData(m.dataPath())
	switch {
	case isNotExist(err):
		data = m.initialData()
	case err != nil:
		return nil, err
	}
	m.data = data

	if err := m.selectBoot(); err != nil {
		return nil, err
	}
	if err := m.data.save(m.dataPath()); err != nil {
		return nil, fmt.Errorf("save OTA data: %w", err)
	}
	return m, nil
}

// initialData boots the factory image when present, otherwise ota_0 as a
// valid image
func (m *Manager) initialData() *otaData {
	d := &otaData{Slots: make(map[string]slotInfo)}
	if _, ok := m.slots[Factory]; ok {
		d.Boot = Factory
		return d
	}
	d.Boot = OTA0
	d.Slots[OTA0] = slotInfo{State: SlotValid}
	return d
}

// selectBoot applies the rollback rules to the persisted boot selection
func (m *Manager) selectBoot() error {
	boot := m.data.Boot
	if _, ok := m.slots[boot]; !ok {
		return fmt.Errorf("%w: boot target %q", ErrUnknownPartition, boot)
	}
	info := m.data.Slots[boot]

	switch info.State {
	case SlotUnverified:
		info.State = SlotPendingVerify
		m.data.Slots[boot] = info
		m.log.Info().Str("slot", boot).Msg("First boot of new image")

	case SlotPendingVerify:
		info.State = SlotInvalid
		m.data.Slots[boot] = info
		fallback := m.fallback(boot)
		if fallback == "" {
			return fmt.Errorf("image in %s was never confirmed and no valid image remains", boot)
		}
		m.log.Warn().Str("slot", boot).Str("fallback", fallback).Msg("Image was never confirmed, rolling back")
		m.data.Boot = fallback
		m.data.Previous = ""
		m.rollback = true
		boot = fallback
	}
	m.running = boot
	return nil
}

// fallback picks the slot to roll back to: the previous boot target if it
// is still valid, otherwise any valid slot, otherwise the factory image
func (m *Manager) fallback(failed string) string {
	if prev := m.data.Previous; prev != "" && prev != failed {
		if prev == Factory || m.data.Slots[prev].State == SlotValid {
			return prev
		}
	}
	for _, label := range []string{OTA0, OTA1} {
		if label != failed && m.data.Slots[label].State == SlotValid {
			return label
		}
	}
	if _, ok := m.slots[Factory]; ok {
		return Factory
	}
	return ""
}

func (m *Manager) dataPath() string {
	return filepath.Join(m.dir, OTADataFile)
}

func (m *Manager) imagePath(label string) string {
	return filepath.Join(m.dir, label+imageExt)
}

func (m *Manager) slot(p update.Partition) (*Slot, error) {
	if p == nil {
		return nil, ErrUnknownPartition
	}
	s, ok := m.slots[p.Label()]
	if !ok || s != p {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, p.Label())
	}
	return s, nil
}

// Running returns the running slot label
func (m *Manager) Running() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RolledBack returns true if Open rolled back an unconfirmed image
func (m *Manager) RolledBack() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollback
}

// NextUpdateTarget returns the OTA slot that is not running
func (m *Manager) NextUpdateTarget() (update.Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == OTA0 {
		return m.slots[OTA1], nil
	}
	if m.running == OTA1 {
		return m.slots[OTA0], nil
	}
	// Running factory: fill ota_0 first
	if m.data.Slots[OTA0].State == SlotValid && m.data.Slots[OTA1].State != SlotValid {
		return m.slots[OTA1], nil
	}
	return m.slots[OTA0], nil
}

// BeginWrite erases the slot and opens it for sequential writes
func (m *Manager) BeginWrite(p update.Partition) (update.WriteSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.slot(p)
	if err != nil {
		return nil, err
	}
	if s.label == m.running || s.label == Factory {
		return nil, ErrRunningPartition
	}
	if m.writing != "" {
		return nil, fmt.Errorf("write session already open on %s", m.writing)
	}

	m.data.Slots[s.label] = slotInfo{State: SlotEmpty}
	if s.label == m.data.Boot {
		// Never leave an erased slot as the boot target
		m.data.Boot = m.running
	}
	if err := m.data.save(m.dataPath()); err != nil {
		return nil, fmt.Errorf("save OTA data: %w", err)
	}

	f, err := os.OpenFile(m.imagePath(s.label), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("erase %s: %w", s.label, err)
	}
	m.writing = s.label
	m.log.Debug().Str("slot", s.label).Msg("Partition erased for writing")
	return &writer{m: m, slot: s, f: f}, nil
}

// SetBootTarget selects a finalized slot for the next boot
func (m *Manager) SetBootTarget(p update.Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.slot(p)
	if err != nil {
		return err
	}
	info := m.data.Slots[s.label]
	if s.label != Factory && info.State == SlotEmpty {
		return fmt.Errorf("%w: %s", ErrNotFinalized, s.label)
	}
	if s.label != Factory && info.State != SlotValid {
		info.State = SlotUnverified
		m.data.Slots[s.label] = info
	}
	m.data.Previous = m.running
	m.data.Boot = s.label
	if err := m.data.save(m.dataPath()); err != nil {
		return fmt.Errorf("save OTA data: %w", err)
	}
	m.log.Info().Str("slot", s.label).Msg("Boot target set")
	return nil
}

// RunningPartitionState reports the verification state of the running
// image. The factory image has no rollback tracking.
func (m *Manager) RunningPartitionState() (update.PartitionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running == Factory {
		return update.StateUnsupported, update.ErrUnsupported
	}
	switch m.data.Slots[m.running].State {
	case SlotPendingVerify:
		return update.StatePendingVerify, nil
	case SlotValid:
		return update.StateValid, nil
	default:
		return update.StateUnverified, nil
	}
}

// MarkValidCancelRollback confirms the running image
func (m *Manager) MarkValidCancelRollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running == Factory {
		return nil
	}
	info := m.data.Slots[m.running]
	if info.State == SlotValid {
		return nil
	}
	info.State = SlotValid
	m.data.Slots[m.running] = info
	m.data.Previous = ""
	return m.data.save(m.dataPath())
}

// Restart reboots through the configured restart function
func (m *Manager) Restart() error {
	if m.opts.Restart == nil {
		return ErrNoRestart
	}
	return m.opts.Restart()
}

// Table returns the status of every slot in label order
func (m *Manager) Table() []SlotStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return buildTable(m.data, m.slots, m.running)
}

// Inspect reads the slot table in dir without performing boot selection
func Inspect(dir string) ([]SlotStatus, error) {
	data, err := loadOTAData(filepath.Join(dir, OTADataFile))
	if err != nil {
		return nil, fmt.Errorf("load OTA data: %w", err)
	}
	slots := map[string]*Slot{
		OTA0: {label: OTA0},
		OTA1: {label: OTA1},
	}
	if _, err := os.Stat(filepath.Join(dir, Factory+imageExt)); err == nil {
		slots[Factory] = &Slot{label: Factory}
	}
	return buildTable(data, slots, ""), nil
}

func buildTable(data *otaData, slots map[string]*Slot, running string) []SlotStatus {
	labels := make([]string, 0, len(slots))
	for label := range slots {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	table := make([]SlotStatus, 0, len(labels))
	for _, label := range labels {
		info := data.Slots[label]
		st := SlotStatus{
			Label:   label,
			State:   info.State,
			Size:    info.Size,
			Seq:     info.Seq,
			Boot:    label == data.Boot,
			Running: label == running,
		}
		if label == Factory {
			st.State = SlotValid
		}
		table = append(table, st)
	}
	return table
}

// Image opens a slot's image file for reading
func (m *Manager) Image(label string) (*os.File, error) {
	m.mu.Lock()
	_, ok := m.slots[label]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, label)
	}
	return os.Open(m.imagePath(label))
}
