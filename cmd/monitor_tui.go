// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/canshark/pkg/envelope"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// idSummary is the latest state of one identifier
type idSummary struct {
	extended bool
	remote   bool
	count    uint64
	elapsed  uint32
	payload  []byte
	lastSeen time.Time
}

// monitorModel is the live view
type monitorModel struct {
	connInfo      string
	recording     bool
	stats         *envelope.Statistics
	ids           map[uint32]*idSummary
	idTable       table.Model
	eventLog      []eventLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
	linkDone      bool
}

// Messages
type tickMsg time.Time

type lineMsg struct {
	msg *envelope.Message
	err error
}

type connectionDoneMsg struct {
	err error
}

// formatRuntime formats a duration as a human-friendly string
func formatRuntime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	units := []struct {
		name string
		size int64
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}
	parts := []string{}
	for _, u := range units {
		n := seconds / u.size
		seconds %= u.size
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}

	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func newMonitorModel(connInfo string, recording bool) monitorModel {
	columns := []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Kind", Width: 6},
		{Title: "Count", Width: 9},
		{Title: "Gap", Width: 10},
		{Title: "Data", Width: 24},
		{Title: "Age", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(10),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return monitorModel{
		connInfo:      connInfo,
		recording:     recording,
		stats:         envelope.NewStatistics(),
		ids:           make(map[uint32]*idSummary),
		idTable:       t,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.idTable.SetHeight(m.tableHeight())

	case tickMsg:
		m.stats.CalculateRates()
		m.idTable.SetRows(m.idRows(time.Time(msg)))
		return m, tickCmd()

	case lineMsg:
		m.stats.Update(msg.msg, msg.err)
		switch {
		case msg.err != nil:
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.err), true)
		case msg.msg.IsNotice():
			m.addLogEntry(msg.msg.Notice, false)
		default:
			m.recordFrame(msg.msg.Envelope)
		}

	case connectionDoneMsg:
		m.linkDone = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost: %v", msg.err), true)
		} else {
			m.addLogEntry("Connection closed", false)
		}
	}

	return m, nil
}

func (m *monitorModel) recordFrame(e *envelope.Envelope) {
	s, ok := m.ids[e.ID]
	if !ok {
		s = &idSummary{}
		m.ids[e.ID] = s
	}
	s.extended = e.IsExtended()
	s.remote = e.IsRemote()
	s.count++
	s.elapsed = e.Elapsed
	s.payload = e.Payload
	s.lastSeen = e.Timestamp
}

func (m monitorModel) idRows(now time.Time) []table.Row {
	ids := make([]uint32, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		s := m.ids[id]
		idText := fmt.Sprintf("%03X", id)
		kind := "std"
		if s.extended {
			idText = fmt.Sprintf("%08X", id)
			kind = "ext"
		}
		data := envelope.FormatPayload(s.payload)
		if s.remote {
			kind += " RTR"
			data = "-"
		}
		rows = append(rows, table.Row{
			idText,
			kind,
			fmt.Sprintf("%d", s.count),
			envelope.FormatElapsed(s.elapsed),
			data,
			fmt.Sprintf("%.0fs", now.Sub(s.lastSeen).Seconds()),
		})
	}
	return rows
}

func (m monitorModel) tableHeight() int {
	h := (m.height - 12) / 2
	if h < 5 {
		h = 5
	}
	return h
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	noticeStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("CANSHARK - MONITOR"))
	s.WriteString("\n")
	recording := ""
	if m.recording {
		recording = " | Recording"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s%s | Running %s | Press 'q' to quit",
		m.connInfo, recording, formatRuntime(time.Since(m.stats.StartTime)))))
	s.WriteString("\n\n")

	if m.linkDone {
		s.WriteString(errorStyle.Render("Link closed"))
		s.WriteString("\n\n")
	}

	// Link statistics
	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Lines:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalLines)),
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidEnvelopes, m.stats.SuccessRate())),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.TotalErrors())),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Data:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.DataFrames)),
		statsLabelStyle.Render("Remote:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.RemoteFrames)),
		statsLabelStyle.Render("IDs:"), statsValueStyle.Render(fmt.Sprintf("%d", len(m.ids))),
	))
	if m.stats.TotalErrors() > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("CRC:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.CRCErrors)),
			statsLabelStyle.Render("Length:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.LengthErrors)),
			statsLabelStyle.Render("Line:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.LineErrors)),
		))
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Identifiers
	s.WriteString(statsLabelStyle.Render("Identifiers:"))
	s.WriteString("\n")
	if len(m.ids) == 0 {
		s.WriteString(boxStyle.Render(headerStyle.Render("(no frames yet)")))
	} else {
		s.WriteString(boxStyle.Render(m.idTable.View()))
	}
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - m.tableHeight() - 16
	if logHeight < 3 {
		logHeight = 3
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					noticeStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
