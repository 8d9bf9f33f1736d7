// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package update

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlash = errors.New("flash error")

type fakePartition string

func (p fakePartition) Label() string { return string(p) }

// fakeManager records every storage call
type fakeManager struct {
	mu sync.Mutex

	written   []byte
	failAt    int // fail the write that would cross this offset; -1 disables
	failBegin bool
	failFinal bool
	failBoot  bool

	begins    int
	finalized int
	aborted   int
	bootSet   []string
	restarts  int

	state     PartitionState
	stateErr  error
	markValid int
}

func newFakeManager() *fakeManager {
	return &fakeManager{failAt: -1, state: StateValid}
}

func (m *fakeManager) NextUpdateTarget() (Partition, error) {
	return fakePartition("ota_1"), nil
}

func (m *fakeManager) BeginWrite(p Partition) (WriteSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBegin {
		return nil, errFlash
	}
	m.begins++
	m.written = nil
	return &fakeSession{m: m}, nil
}

func (m *fakeManager) SetBootTarget(p Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBoot {
		return errFlash
	}
	m.bootSet = append(m.bootSet, p.Label())
	return nil
}

func (m *fakeManager) RunningPartitionState() (PartitionState, error) {
	return m.state, m.stateErr
}

func (m *fakeManager) MarkValidCancelRollback() error {
	m.markValid++
	m.state = StateValid
	return nil
}

func (m *fakeManager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
	return nil
}

type fakeSession struct{ m *fakeManager }

func (s *fakeSession) Write(p []byte) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failAt >= 0 && len(s.m.written)+len(p) > s.m.failAt {
		return errFlash
	}
	s.m.written = append(s.m.written, p...)
	return nil
}

func (s *fakeSession) Finalize() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failFinal {
		return errFlash
	}
	s.m.finalized++
	return nil
}

func (s *fakeSession) Abort() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.aborted++
	return nil
}

type fakeNotifier struct {
	notices []string
}

func (n *fakeNotifier) Notice(text string) error {
	n.notices = append(n.notices, text)
	return nil
}

func newTestEngine(pm PartitionManager, opts Options) (*Engine, *fakeNotifier) {
	n := &fakeNotifier{}
	return NewEngine(pm, n, opts, zerolog.Nop()), n
}

func TestEngine_CommitsAfterDeclaredBytes(t *testing.T) {
	pm := newFakeManager()
	e, notes := newTestEngine(pm, Options{})

	require.NoError(t, e.Begin(10))
	assert.True(t, e.Receiving())
	assert.Equal(t, StatusReceiving, e.Session().Status)
	assert.Equal(t, "ota_1", e.Session().Target)

	n, err := e.Write([]byte{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, StatusReceiving, e.Session().Status)

	n, err = e.Write([]byte{3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	s := e.Session()
	assert.Equal(t, StatusCommitted, s.Status)
	assert.Equal(t, uint64(10), s.BytesWritten)
	assert.False(t, e.Receiving())

	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, pm.written)
	assert.Equal(t, 1, pm.finalized)
	assert.Equal(t, []string{"ota_1"}, pm.bootSet)
	assert.Equal(t, 1, pm.restarts)
	assert.Equal(t, []string{CompleteNotice}, notes.notices)

	commits, failures := e.Counts()
	assert.Equal(t, uint64(1), commits)
	assert.Equal(t, uint64(0), failures)

	// Further bytes are no longer image data
	_, err = e.Write([]byte{0xFF})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, pm.restarts)
}

func TestEngine_AnyChunkingCommitsOnce(t *testing.T) {
	image := make([]byte, 64)
	for i := range image {
		image[i] = byte(i)
	}
	chunkings := [][]int{
		{64},
		{1, 63},
		{32, 32},
		{3, 7, 11, 13, 30},
		{1, 1, 1, 1, 1, 1, 1, 57},
	}
	for _, sizes := range chunkings {
		pm := newFakeManager()
		e, _ := newTestEngine(pm, Options{})
		require.NoError(t, e.Begin(uint64(len(image))))

		off := 0
		for _, size := range sizes {
			n, err := e.Write(image[off : off+size])
			require.NoError(t, err)
			require.Equal(t, size, n)
			off += size
		}
		assert.Equal(t, StatusCommitted, e.Session().Status)
		assert.Equal(t, image, pm.written)
		assert.Equal(t, 1, pm.restarts)
		assert.Equal(t, 1, pm.finalized)
	}
}

func TestEngine_ChunkPastDeclaredSize(t *testing.T) {
	pm := newFakeManager()
	e, _ := newTestEngine(pm, Options{})
	require.NoError(t, e.Begin(4))

	n, err := e.Write([]byte{1, 2, 3, 4, 'm', 'n'})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, pm.written)
	assert.Equal(t, StatusCommitted, e.Session().Status)
}

func TestEngine_ShortImageStaysReceiving(t *testing.T) {
	pm := newFakeManager()
	e, _ := newTestEngine(pm, Options{})
	require.NoError(t, e.Begin(10))

	_, err := e.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)

	s := e.Session()
	assert.Equal(t, StatusReceiving, s.Status)
	assert.Equal(t, uint64(1), s.Remaining())
	assert.Equal(t, 0, pm.finalized)
	assert.Empty(t, pm.bootSet)
	assert.Equal(t, 0, pm.restarts)
}

func TestEngine_BeginGuards(t *testing.T) {
	pm := newFakeManager()
	e, _ := newTestEngine(pm, Options{})

	assert.ErrorIs(t, e.Begin(0), ErrZeroSize)
	assert.Equal(t, StatusIdle, e.Session().Status)

	_, err := e.Write([]byte{1})
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, e.Begin(5))
	assert.ErrorIs(t, e.Begin(5), ErrSessionActive)
	assert.Equal(t, 1, pm.begins)
}

func TestEngine_WriteFailure(t *testing.T) {
	pm := newFakeManager()
	pm.failAt = 5
	e, notes := newTestEngine(pm, Options{})
	require.NoError(t, e.Begin(10))

	_, err := e.Write([]byte{0, 1, 2, 3})
	require.NoError(t, err)

	n, err := e.Write([]byte{4, 5, 6})
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StageWrite, uerr.Stage)
	assert.ErrorIs(t, err, errFlash)
	assert.Equal(t, 3, n)

	s := e.Session()
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, StageWrite, s.FailedStage)
	assert.Equal(t, 1, pm.aborted)
	assert.Equal(t, 0, pm.finalized)
	assert.Empty(t, pm.bootSet)
	assert.Equal(t, 0, pm.restarts)
	assert.Empty(t, notes.notices)

	// The rest of the declared image is swallowed, not interpreted
	assert.True(t, e.Receiving())
	n, err = e.Write([]byte{7, 8, 9, 'm'})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, e.Receiving())

	_, failures := e.Counts()
	assert.Equal(t, uint64(1), failures)
}

func TestEngine_FailureNoticeWhenConfigured(t *testing.T) {
	pm := newFakeManager()
	pm.failAt = 0
	e, notes := newTestEngine(pm, Options{ReportFailures: true})
	require.NoError(t, e.Begin(2))

	_, err := e.Write([]byte{1})
	require.Error(t, err)
	assert.Equal(t, []string{"update failed: write"}, notes.notices)
}

func TestEngine_FinalizeFailure(t *testing.T) {
	pm := newFakeManager()
	pm.failFinal = true
	e, notes := newTestEngine(pm, Options{})
	require.NoError(t, e.Begin(3))

	_, err := e.Write([]byte{1, 2, 3})
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StageFinalize, uerr.Stage)

	assert.Equal(t, StatusFailed, e.Session().Status)
	assert.Empty(t, pm.bootSet)
	assert.Equal(t, 0, pm.restarts)
	assert.Empty(t, notes.notices)
	assert.False(t, e.Receiving())
}

func TestEngine_BootTargetFailure(t *testing.T) {
	pm := newFakeManager()
	pm.failBoot = true
	e, notes := newTestEngine(pm, Options{ReportFailures: true})
	require.NoError(t, e.Begin(3))

	_, err := e.Write([]byte{1, 2, 3})
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StageBootTarget, uerr.Stage)

	assert.Equal(t, StatusFailed, e.Session().Status)
	assert.Equal(t, 1, pm.finalized)
	assert.Equal(t, 0, pm.restarts)
	assert.Equal(t, []string{"update failed: boot_target"}, notes.notices)
}

func TestEngine_BeginFailureDiscardsImage(t *testing.T) {
	pm := newFakeManager()
	pm.failBegin = true
	e, _ := newTestEngine(pm, Options{})

	err := e.Begin(4)
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StageBegin, uerr.Stage)
	assert.Equal(t, StatusFailed, e.Session().Status)

	assert.True(t, e.Receiving())
	n, err := e.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, e.Receiving())

	// A new session may start once the old image is gone
	pm.failBegin = false
	require.NoError(t, e.Begin(1))
}

func TestValidateBoot(t *testing.T) {
	tests := []struct {
		name      string
		state     PartitionState
		stateErr  error
		wantErr   bool
		markValid int
	}{
		{"pending verify", StatePendingVerify, nil, false, 1},
		{"already valid", StateValid, nil, false, 0},
		{"unverified", StateUnverified, nil, false, 0},
		{"unsupported state", StateUnsupported, nil, false, 0},
		{"unsupported error", StateValid, ErrUnsupported, false, 0},
		{"read failure", StateValid, errFlash, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := newFakeManager()
			pm.state = tt.state
			pm.stateErr = tt.stateErr

			err := ValidateBoot(pm, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.markValid, pm.markValid)
		})
	}
}
