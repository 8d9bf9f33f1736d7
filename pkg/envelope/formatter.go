// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package envelope

import (
	"fmt"
	"strings"
)

// FormatEnvelope formats an envelope into a human-readable line
func FormatEnvelope(e *Envelope) string {
	timestamp := e.Timestamp.Format("15:04:05.000")

	id := fmt.Sprintf("%03X", e.ID)
	if e.IsExtended() {
		id = fmt.Sprintf("%08X", e.ID)
	}

	result := fmt.Sprintf("[%s] %-6s id=%s dt=%s", timestamp, e.Type, id, FormatElapsed(e.Elapsed))
	if e.IsRemote() {
		return result + "\n"
	}
	return result + fmt.Sprintf(" len=%d data=%s\n", len(e.Payload), FormatPayload(e.Payload))
}

// FormatMessage formats a decoded transport line
func FormatMessage(m *Message) string {
	if m.IsNotice() {
		return fmt.Sprintf("[%s] NOTICE %s\n", m.Timestamp.Format("15:04:05.000"), m.Notice)
	}
	return FormatEnvelope(m.Envelope)
}

// FormatPayload renders payload bytes as space-separated hex
func FormatPayload(payload []byte) string {
	if len(payload) == 0 {
		return "-"
	}
	parts := make([]string, len(payload))
	for i, b := range payload {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// FormatElapsed renders an inter-frame gap in the most readable unit
func FormatElapsed(us uint32) string {
	switch {
	case us == 0xFFFFFFFF:
		return ">71m"
	case us >= 1_000_000:
		return fmt.Sprintf("%.3fs", float64(us)/1e6)
	case us >= 1_000:
		return fmt.Sprintf("%.3fms", float64(us)/1e3)
	default:
		return fmt.Sprintf("%dus", us)
	}
}
