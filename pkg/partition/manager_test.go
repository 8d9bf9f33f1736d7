// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package partition

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/canshark/pkg/update"
)

func openTest(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := Open(dir, Options{SlotSize: 64}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

// flash writes and commits an image the way the update engine does
func flash(t *testing.T, m *Manager, image []byte) string {
	t.Helper()
	target, err := m.NextUpdateTarget()
	require.NoError(t, err)
	ws, err := m.BeginWrite(target)
	require.NoError(t, err)
	require.NoError(t, ws.Write(image))
	require.NoError(t, ws.Finalize())
	require.NoError(t, m.SetBootTarget(target))
	return target.Label()
}

func stateOf(m *Manager, label string) SlotState {
	for _, s := range m.Table() {
		if s.Label == label {
			return s.State
		}
	}
	return SlotState(255)
}

func TestOpen_FreshStoreRunsOTA0(t *testing.T) {
	dir := t.TempDir()
	m := openTest(t, dir)

	assert.Equal(t, OTA0, m.Running())
	state, err := m.RunningPartitionState()
	require.NoError(t, err)
	assert.Equal(t, update.StateValid, state)

	target, err := m.NextUpdateTarget()
	require.NoError(t, err)
	assert.Equal(t, OTA1, target.Label())

	_, err = os.Stat(filepath.Join(dir, OTADataFile))
	assert.NoError(t, err)
}

func TestUpdate_FirstBootThenConfirm(t *testing.T) {
	dir := t.TempDir()
	m := openTest(t, dir)

	label := flash(t, m, []byte("new firmware"))
	assert.Equal(t, OTA1, label)
	assert.Equal(t, SlotUnverified, stateOf(m, OTA1))
	// Still running the old image until restart
	assert.Equal(t, OTA0, m.Running())

	m = openTest(t, dir)
	assert.Equal(t, OTA1, m.Running())
	state, err := m.RunningPartitionState()
	require.NoError(t, err)
	assert.Equal(t, update.StatePendingVerify, state)

	require.NoError(t, update.ValidateBoot(m, zerolog.Nop()))
	assert.Equal(t, SlotValid, stateOf(m, OTA1))

	// Confirmed images survive further restarts
	m = openTest(t, dir)
	assert.Equal(t, OTA1, m.Running())
	assert.False(t, m.RolledBack())

	f, err := m.Image(OTA1)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("new firmware"), data)
}

func TestUpdate_UnconfirmedImageRollsBack(t *testing.T) {
	dir := t.TempDir()
	m := openTest(t, dir)
	flash(t, m, []byte("bad firmware"))

	// First boot of the new image; it never confirms itself
	m = openTest(t, dir)
	assert.Equal(t, OTA1, m.Running())

	m = openTest(t, dir)
	assert.True(t, m.RolledBack())
	assert.Equal(t, OTA0, m.Running())
	assert.Equal(t, SlotInvalid, stateOf(m, OTA1))

	// The invalid slot is the next update target
	target, err := m.NextUpdateTarget()
	require.NoError(t, err)
	assert.Equal(t, OTA1, target.Label())
}

func TestFactoryImage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "factory.bin"), []byte("factory"), 0o644))

	m := openTest(t, dir)
	assert.Equal(t, Factory, m.Running())

	state, err := m.RunningPartitionState()
	assert.ErrorIs(t, err, update.ErrUnsupported)
	assert.Equal(t, update.StateUnsupported, state)
	// Boot validation treats the factory image as nothing to do
	require.NoError(t, update.ValidateBoot(m, zerolog.Nop()))

	label := flash(t, m, []byte("ota"))
	assert.Equal(t, OTA0, label)

	// New image never confirms: roll back to factory
	m = openTest(t, dir)
	assert.Equal(t, OTA0, m.Running())
	m = openTest(t, dir)
	assert.Equal(t, Factory, m.Running())
}

func TestBeginWrite_Guards(t *testing.T) {
	m := openTest(t, t.TempDir())

	running := m.slots[OTA0]
	_, err := m.BeginWrite(running)
	assert.ErrorIs(t, err, ErrRunningPartition)

	_, err = m.BeginWrite(&Slot{label: OTA1})
	assert.ErrorIs(t, err, ErrUnknownPartition)

	target, err := m.NextUpdateTarget()
	require.NoError(t, err)
	ws, err := m.BeginWrite(target)
	require.NoError(t, err)
	_, err = m.BeginWrite(target)
	assert.Error(t, err)

	require.NoError(t, ws.Abort())
	require.NoError(t, ws.Abort())
	assert.ErrorIs(t, ws.Write([]byte{1}), ErrSessionClosed)

	// An aborted slot can't become the boot target
	assert.ErrorIs(t, m.SetBootTarget(target), ErrNotFinalized)
}

func TestWriter_PartitionFull(t *testing.T) {
	m := openTest(t, t.TempDir())
	target, err := m.NextUpdateTarget()
	require.NoError(t, err)
	ws, err := m.BeginWrite(target)
	require.NoError(t, err)

	require.NoError(t, ws.Write(make([]byte, 60)))
	assert.ErrorIs(t, ws.Write(make([]byte, 5)), ErrPartitionFull)
	require.NoError(t, ws.Abort())
	assert.Equal(t, SlotEmpty, stateOf(m, OTA1))
}

func TestWriter_EmptyImageNotFinalized(t *testing.T) {
	m := openTest(t, t.TempDir())
	target, err := m.NextUpdateTarget()
	require.NoError(t, err)
	ws, err := m.BeginWrite(target)
	require.NoError(t, err)
	assert.ErrorIs(t, ws.Finalize(), ErrNotFinalized)
}

func TestRestart(t *testing.T) {
	m := openTest(t, t.TempDir())
	assert.ErrorIs(t, m.Restart(), ErrNoRestart)

	restarts := 0
	m2, err := Open(t.TempDir(), Options{Restart: func() error { restarts++; return nil }}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m2.Restart())
	assert.Equal(t, 1, restarts)
}

func TestOpen_CorruptMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, OTADataFile), []byte{0xFF, 0x00}, 0o644))
	_, err := Open(dir, Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEngineAgainstFileStore(t *testing.T) {
	dir := t.TempDir()
	restarts := 0
	m, err := Open(dir, Options{SlotSize: 1024, Restart: func() error { restarts++; return nil }}, zerolog.Nop())
	require.NoError(t, err)

	e := update.NewEngine(m, nil, update.Options{}, zerolog.Nop())
	require.NoError(t, e.Begin(10))
	_, err = e.Write([]byte("012"))
	require.NoError(t, err)
	_, err = e.Write([]byte("3456789"))
	require.NoError(t, err)

	assert.Equal(t, update.StatusCommitted, e.Session().Status)
	assert.Equal(t, 1, restarts)

	m, err = Open(dir, Options{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, OTA1, m.Running())
	for _, s := range m.Table() {
		if s.Label == OTA1 {
			assert.Equal(t, uint64(10), s.Size)
			assert.True(t, s.Boot)
			assert.True(t, s.Running)
		}
	}
}

func TestInspect_DoesNotSelectBoot(t *testing.T) {
	dir := t.TempDir()

	_, err := Inspect(dir)
	assert.Error(t, err)

	m := openTest(t, dir)
	flash(t, m, []byte("pending"))

	table, err := Inspect(dir)
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, OTA1, table[1].Label)
	assert.True(t, table[1].Boot)
	assert.Equal(t, SlotUnverified, table[1].State)
	assert.False(t, table[1].Running)

	// Inspecting twice must not advance the verification state
	table, err = Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, SlotUnverified, table[1].State)
}
