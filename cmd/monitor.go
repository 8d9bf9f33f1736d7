// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/envelope"
	"github.com/Thermoquad/canshark/pkg/recorder"
)

var (
	monitorStart         bool
	monitorRecordDir     string
	monitorRecordMax     int
	monitorTUI           bool
	monitorStatsInterval int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display the envelope stream in human-readable format",
	Long: `Continuously decode and display envelopes as they arrive.

Each frame is shown with its arrival time, frame type, identifier, gap since
the previous frame and payload. Device notices are shown inline. Lines that
fail to decode are reported as errors.

With --record, every decoded line is also written to rotating CBOR capture
files that the device can replay. With --tui, a live view shows link
statistics and a per-identifier table instead of the scrolling log.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorStart, "start", true, "Enable sniffing on connect and disable it on exit")
	monitorCmd.Flags().StringVar(&monitorRecordDir, "record", "", "Write a CBOR capture to this directory")
	monitorCmd.Flags().IntVar(&monitorRecordMax, "record-max", recorder.DefaultMaxRecords, "Records per capture file")
	monitorCmd.Flags().BoolVar(&monitorTUI, "tui", false, "Use terminal UI")
	monitorCmd.Flags().IntVar(&monitorStatsInterval, "stats-interval", 0, "Print statistics every N seconds (text mode, 0 disables)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	var rec *recorder.Writer
	if monitorRecordDir != "" {
		rec = recorder.New(recorder.Options{Dir: monitorRecordDir, MaxRecords: monitorRecordMax})
		defer func() {
			if err := rec.Close(); err != nil {
				log.Printf("Close capture: %v", err)
			}
			for _, f := range rec.Files() {
				fmt.Printf("Capture written: %s\n", f)
			}
		}()
	}

	if monitorStart {
		if err := sendCommand(conn, control.CmdStartSniffing); err != nil {
			return err
		}
		defer sendCommand(conn, control.CmdStopSniffing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if monitorTUI {
		return runMonitorTUI(ctx, conn, connInfo, rec)
	}
	return runMonitorText(ctx, conn, connInfo, rec)
}

func runMonitorText(ctx context.Context, conn Connection, connInfo string, rec *recorder.Writer) error {
	fmt.Printf("CANShark - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := envelope.NewStatistics()
	nextStats := time.Now().Add(time.Duration(monitorStatsInterval) * time.Second)

	err := readMessages(ctx, conn, func(msg *envelope.Message, err error) bool {
		stats.Update(msg, err)
		if err != nil {
			fmt.Printf("[ERROR] %v\n", err)
			return true
		}
		fmt.Print(envelope.FormatMessage(msg))
		if rec != nil {
			if err := rec.Record(msg); err != nil {
				log.Printf("Record failed: %v", err)
			}
		}
		if monitorStatsInterval > 0 && time.Now().After(nextStats) {
			fmt.Printf("\n%s\n", stats.Summary())
			nextStats = time.Now().Add(time.Duration(monitorStatsInterval) * time.Second)
		}
		return true
	})

	fmt.Printf("\n--- Session statistics ---\n%s", stats.Summary())
	if errors.Is(err, ErrConnectionClosed) {
		log.Printf("Connection closed")
		return nil
	}
	return err
}

func runMonitorTUI(ctx context.Context, conn Connection, connInfo string, rec *recorder.Writer) error {
	p := tea.NewProgram(newMonitorModel(connInfo, rec != nil), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		err := readMessages(ctx, conn, func(msg *envelope.Message, err error) bool {
			if err == nil && rec != nil {
				if rerr := rec.Record(msg); rerr != nil {
					p.Send(lineMsg{err: fmt.Errorf("record: %w", rerr)})
				}
			}
			p.Send(lineMsg{msg: msg, err: err})
			return true
		})
		p.Send(connectionDoneMsg{err: err})
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
