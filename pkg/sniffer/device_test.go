// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sniffer

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/canshark/pkg/canbus"
	"github.com/Thermoquad/canshark/pkg/capture"
	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/envelope"
	"github.com/Thermoquad/canshark/pkg/partition"
	"github.com/Thermoquad/canshark/pkg/update"
)

// memTransport is an in-memory serial link. The host side writes with
// send and reads everything the device wrote with output.
type memTransport struct {
	mu     sync.Mutex
	in     []byte
	out    bytes.Buffer
	resets int
}

func (m *memTransport) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.in) > 0 {
			n := copy(p, m.in)
			m.in = m.in[n:]
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (m *memTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Write(p)
}

func (m *memTransport) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.in = nil
	return nil
}

func (m *memTransport) send(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in = append(m.in, b...)
}

func (m *memTransport) resetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *memTransport) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.String()
}

// decodeOutput parses every line the device wrote
func decodeOutput(out string) (envs []*envelope.Envelope, notices []string, errs int) {
	dec := envelope.NewDecoder()
	for _, b := range []byte(out) {
		msg, err := dec.DecodeByte(b)
		if err != nil {
			errs++
			continue
		}
		if msg == nil {
			continue
		}
		if msg.IsNotice() {
			notices = append(notices, msg.Notice)
		} else {
			envs = append(envs, msg.Envelope)
		}
	}
	return envs, notices, errs
}

func testOptions() Options {
	return Options{
		QueueCapacity: 16,
		Capture: capture.Options{
			ReceiveTimeout: time.Millisecond,
			IdleInterval:   time.Millisecond,
			ErrorBackoff:   time.Millisecond,
		},
		DrainInterval: time.Millisecond,
		Control: control.Options{
			ReadTimeout:  time.Millisecond,
			SizeWidth:    8,
			FlushOnStart: true,
		},
	}
}

func TestDevice_EndToEnd(t *testing.T) {
	frames := []canbus.TimedFrame{
		{Frame: canbus.Frame{ID: 0x123, Len: 4, Data: [8]byte{0xDE, 0xAD, 0xBE, 0xEF}}},
		{Frame: canbus.Frame{ID: 0x7FF, Remote: true}},
		{Frame: canbus.Frame{ID: 0x18FF50E5, Extended: true, Len: 1, Data: [8]byte{0x42}}},
	}
	ctrl := canbus.NewReplay(frames, canbus.ReplayOptions{})
	transport := &memTransport{}

	var restarts atomic.Int32
	dir := t.TempDir()
	pm, err := partition.Open(dir, partition.Options{
		SlotSize: 1024,
		Restart:  func() error { restarts.Add(1); return nil },
	}, zerolog.Nop())
	require.NoError(t, err)
	Boot(pm, zerolog.Nop())

	d := New(transport, ctrl, pm, testOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Nothing flows until sniffing is enabled
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ctrl.IsRunning())
	assert.Empty(t, transport.output())

	transport.send([]byte("m"))
	require.Eventually(t, func() bool {
		envs, _, _ := decodeOutput(transport.output())
		return len(envs) == 3
	}, 2*time.Second, time.Millisecond)

	envs, _, errs := decodeOutput(transport.output())
	require.Zero(t, errs)
	assert.Equal(t, uint32(0x123), envs[0].ID)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, envs[0].Payload)
	assert.Equal(t, envelope.FrameRemote, envs[1].Type)
	assert.Equal(t, uint32(0x18FF50E5), envs[2].ID)

	transport.send([]byte("n"))
	require.Eventually(t, func() bool { return !ctrl.IsRunning() }, time.Second, time.Millisecond)
	assert.False(t, d.Stats().Sniffing)

	// Firmware update: header, wait for the flush, then the image in two chunks
	header := make([]byte, 9)
	header[0] = control.CmdUpdate
	binary.LittleEndian.PutUint64(header[1:], 10)
	transport.send(header)
	require.Eventually(t, d.Engine.Receiving, time.Second, time.Millisecond)

	transport.send([]byte("mmm"))
	require.Eventually(t, func() bool { return d.Engine.Session().BytesWritten == 3 }, time.Second, time.Millisecond)
	transport.send([]byte("nnnnnnn"))

	require.Eventually(t, func() bool { return restarts.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, update.StatusCommitted, d.Engine.Session().Status)
	assert.False(t, d.Stats().Sniffing)
	assert.Equal(t, 1, transport.resetCount())

	_, notices, _ := decodeOutput(transport.output())
	assert.Equal(t, []string{update.CompleteNotice}, notices)
	assert.True(t, strings.HasSuffix(transport.output(), "# update complete, restarting\r\n"))

	// The new image boots as pending verification and confirms itself
	pm2, err := partition.Open(dir, partition.Options{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, partition.OTA1, pm2.Running())
	Boot(pm2, zerolog.Nop())
	state, err := pm2.RunningPartitionState()
	require.NoError(t, err)
	assert.Equal(t, update.StateValid, state)

	assert.Equal(t, int32(1), restarts.Load())
	stats := d.Stats()
	assert.Equal(t, uint64(3), stats.Capture.Captured)
	assert.Equal(t, uint64(3), stats.Drain.Sent)
	assert.Equal(t, uint64(1), stats.UpdateCommits)
}
