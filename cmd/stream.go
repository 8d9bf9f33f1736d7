// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/envelope"
)

// readMessages decodes transport lines from conn and passes every result to
// handle until handle returns false, ctx is cancelled or the connection
// fails. Partial lines are not reported.
func readMessages(ctx context.Context, conn Connection, handle func(*envelope.Message, error) bool) error {
	// Serial reads poll; WebSocket reads block until the deadline passes
	stop := context.AfterFunc(ctx, func() {
		if d, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			d.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	decoder := envelope.NewDecoder()
	buf := make([]byte, 256)

	for {
		n, err := conn.Read(buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			msg, decodeErr := decoder.DecodeByte(buf[i])
			if msg == nil && decodeErr == nil {
				continue
			}
			if !handle(msg, decodeErr) {
				return nil
			}
		}
	}
}

// sendCommand writes a single command byte
func sendCommand(conn Connection, command byte) error {
	if _, err := conn.Write([]byte{command}); err != nil {
		return fmt.Errorf("send %q: %w", command, err)
	}
	return nil
}

// commandName returns the display name of a sniffing command
func commandName(command byte) string {
	switch command {
	case control.CmdStartSniffing:
		return "start sniffing"
	case control.CmdStopSniffing:
		return "stop sniffing"
	case control.CmdUpdate:
		return "update"
	default:
		return fmt.Sprintf("0x%02X", command)
	}
}
