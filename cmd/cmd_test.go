// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/canshark/pkg/canbus"
	"github.com/Thermoquad/canshark/pkg/config"
	"github.com/Thermoquad/canshark/pkg/envelope"
	"github.com/Thermoquad/canshark/pkg/recorder"
)

// bufConn replays a fixed byte stream and records writes
type bufConn struct {
	r      *bytes.Reader
	w      bytes.Buffer
	closed bool
}

func newBufConn(data []byte) *bufConn {
	return &bufConn{r: bytes.NewReader(data)}
}

func (c *bufConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *bufConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *bufConn) Close() error                { c.closed = true; return nil }

func lineFor(elapsed uint32, ft envelope.FrameType, id uint32, payload []byte) []byte {
	return envelope.AppendLine(nil, envelope.Encode(elapsed, ft, id, payload))
}

func TestReadMessages(t *testing.T) {
	var stream []byte
	stream = append(stream, lineFor(500, envelope.FrameData, 0x123, []byte{0xDE, 0xAD})...)
	stream = append(stream, "<00ZZ>\r\n"...)
	stream = append(stream, envelope.NoticeLine("hello")...)
	stream = append(stream, lineFor(0, envelope.FrameRemote, 0x7FF, nil)...)

	var msgs []*envelope.Message
	var errs int
	err := readMessages(context.Background(), newBufConn(stream), func(msg *envelope.Message, err error) bool {
		if err != nil {
			errs++
			return true
		}
		msgs = append(msgs, msg)
		return true
	})
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, errs)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint32(0x123), msgs[0].Envelope.ID)
	assert.Equal(t, "hello", msgs[1].Notice)
	assert.True(t, msgs[2].Envelope.IsRemote())
}

func TestReadMessages_StopsWhenHandlerDeclines(t *testing.T) {
	stream := append(lineFor(1, envelope.FrameData, 1, nil), lineFor(2, envelope.FrameData, 2, nil)...)
	conn := newBufConn(stream)

	calls := 0
	err := readMessages(context.Background(), conn, func(*envelope.Message, error) bool {
		calls++
		return false
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, conn.closed)
}

func TestBridgeMessage(t *testing.T) {
	ts := time.UnixMicro(1_700_000_000_000_000)

	env, err := envelope.Decode(envelope.Encode(250, envelope.FrameData, 0x18FF50E5, []byte{0x01, 0xAB}))
	require.NoError(t, err)
	topic, payload, err := bridgeMessage("canshark/frames", &envelope.Message{Envelope: env, Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "canshark/frames/18FF50E5", topic)

	var frame bridgeFrame
	require.NoError(t, json.Unmarshal(payload, &frame))
	assert.Equal(t, bridgeFrame{
		Time:      ts.UnixMicro(),
		ElapsedUs: 250,
		ID:        0x18FF50E5,
		Extended:  true,
		Data:      "01ab",
	}, frame)

	env, err = envelope.Decode(envelope.Encode(0, envelope.FrameRemote, 0x7F, nil))
	require.NoError(t, err)
	topic, _, err = bridgeMessage("bus", &envelope.Message{Envelope: env, Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "bus/07F", topic)

	topic, payload, err = bridgeMessage("bus", &envelope.Message{Notice: "update complete, restarting", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "bus/notice", topic)
	assert.JSONEq(t, `{"time_us":1700000000000000,"notice":"update complete, restarting"}`, string(payload))
}

func TestFormatRuntime(t *testing.T) {
	assert.Equal(t, "0 seconds", formatRuntime(0))
	assert.Equal(t, "1 second", formatRuntime(time.Second))
	assert.Equal(t, "2 minutes and 5 seconds", formatRuntime(125*time.Second))
	assert.Equal(t, "1 day, 1 hour, and 1 minute", formatRuntime(25*time.Hour+time.Minute))
}

func TestDeviceOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Control.SizeWidth = 4
	cfg.Update.ReportFailures = true

	opts := deviceOptions(cfg)
	assert.Equal(t, cfg.Capture.QueueCapacity, opts.QueueCapacity)
	assert.Equal(t, 100*time.Millisecond, opts.Capture.ReceiveTimeout)
	assert.Equal(t, 10*time.Millisecond, opts.DrainInterval)
	assert.Equal(t, 4, opts.Control.SizeWidth)
	assert.True(t, opts.Control.FlushOnStart)
	assert.True(t, opts.Update.ReportFailures)
	assert.Equal(t, 30*time.Second, opts.StatsInterval)
}

func TestOpenController(t *testing.T) {
	dir := t.TempDir()

	ctrl, err := openController(config.CANConfig{Driver: config.DriverVirtual, VirtualPeriod: 1})
	require.NoError(t, err)
	assert.IsType(t, &canbus.Virtual{}, ctrl)

	_, err = openController(config.CANConfig{Driver: "bogus"})
	assert.Error(t, err)

	// candump log
	logPath := filepath.Join(dir, "bus.log")
	require.NoError(t, os.WriteFile(logPath, []byte("(1.000000) can0 123#DEADBEEF\n(1.000500) can0 7FF#R\n"), 0o644))
	ctrl, err = openController(config.CANConfig{Driver: config.DriverReplay, ReplayFile: logPath})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	f, err := ctrl.Receive(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123), f.ID)

	// CBOR capture written by monitor --record
	w := recorder.New(recorder.Options{Dir: dir})
	env, err := envelope.Decode(envelope.Encode(0, envelope.FrameData, 0x456, []byte{1}))
	require.NoError(t, err)
	require.NoError(t, w.Record(&envelope.Message{Envelope: env, Timestamp: time.Now()}))
	require.NoError(t, w.Close())
	require.Len(t, w.Files(), 1)

	ctrl, err = openController(config.CANConfig{Driver: config.DriverReplay, ReplayFile: w.Files()[0]})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	f, err = ctrl.Receive(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x456), f.ID)
	assert.Equal(t, []byte{1}, f.Payload())

	_, err = openController(config.CANConfig{Driver: config.DriverReplay, ReplayFile: filepath.Join(dir, "missing.log")})
	assert.Error(t, err)
}

func TestMonitorModel_TracksIdentifiers(t *testing.T) {
	m := newMonitorModel("test", false)

	for i, id := range []uint32{0x200, 0x100, 0x200} {
		env, err := envelope.Decode(envelope.Encode(uint32(i), envelope.FrameData, id, []byte{byte(i)}))
		require.NoError(t, err)
		env.Timestamp = time.Now()
		next, _ := m.Update(lineMsg{msg: &envelope.Message{Envelope: env, Timestamp: env.Timestamp}})
		m = next.(monitorModel)
	}
	next, _ := m.Update(lineMsg{err: envelope.ErrCRCMismatch})
	m = next.(monitorModel)
	next, _ = m.Update(lineMsg{msg: &envelope.Message{Notice: "hi", Timestamp: time.Now()}})
	m = next.(monitorModel)

	assert.Equal(t, uint64(3), m.stats.ValidEnvelopes)
	assert.Equal(t, uint64(1), m.stats.CRCErrors)
	assert.Equal(t, uint64(1), m.stats.Notices)
	assert.Len(t, m.eventLog, 2)

	rows := m.idRows(time.Now())
	require.Len(t, rows, 2)
	assert.Equal(t, "100", rows[0][0])
	assert.Equal(t, "200", rows[1][0])
	assert.Equal(t, "2", rows[1][2])
	assert.Equal(t, "02", rows[1][4])

	assert.Contains(t, m.View(), "CANSHARK - MONITOR")
}
