// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/envelope"
)

var (
	linkTestTimeout int
	linkTestStart   bool
)

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test the link by waiting for a valid envelope",
	Long: `Wait for a valid envelope on the connection until timeout.

This command connects to a serial port or WebSocket, optionally enables
sniffing, and waits for any envelope that passes the length and CRC checks.
Invalid lines and notices are skipped. When this command enabled sniffing,
it disables it again before exiting.

Exit codes:
  0 - Envelope received before timeout
  1 - Timeout reached without receiving a valid envelope
  2 - Connection error`,
	RunE: runLinkTest,
}

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestTimeout, "timeout", 10, "Timeout in seconds to wait for an envelope")
	linkTestCmd.Flags().BoolVar(&linkTestStart, "start", true, "Enable sniffing before waiting")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("CANShark - Link Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", linkTestTimeout)

	if linkTestStart {
		if err := sendCommand(conn, control.CmdStartSniffing); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
	}
	fmt.Printf("Waiting for valid envelope...\n\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(linkTestTimeout)*time.Second)
	defer cancel()

	var (
		found      *envelope.Envelope
		invalid    int
		noticeSeen int
	)
	err = readMessages(ctx, conn, func(msg *envelope.Message, err error) bool {
		switch {
		case err != nil:
			invalid++
			return true
		case msg.IsNotice():
			noticeSeen++
			return true
		}
		found = msg.Envelope
		return false
	})

	if found != nil && linkTestStart {
		// Best effort; the device may already be gone
		_ = sendCommand(conn, control.CmdStopSniffing)
	}

	switch {
	case found != nil:
		if invalid > 0 {
			fmt.Printf("(skipped %d invalid lines before sync)\n", invalid)
		}
		fmt.Printf("SUCCESS: Received valid envelope\n")
		fmt.Printf("  Type: %s\n", found.Type)
		fmt.Printf("  ID: 0x%X\n", found.ID)
		fmt.Printf("  Length: %d bytes\n", len(found.Payload))
		fmt.Printf("  CRC: 0x%04X\n", found.CRC)
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid envelope received within %d seconds", linkTestTimeout)
		if invalid > 0 || noticeSeen > 0 {
			fmt.Fprintf(os.Stderr, " (%d invalid lines, %d notices)", invalid, noticeSeen)
		}
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
	return nil
}
