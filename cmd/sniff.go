// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/control"
)

var sniffCmd = &cobra.Command{
	Use:   "sniff on|off",
	Short: "Start or stop frame capture on the device",
	Long: `Send the start (m) or stop (n) sniffing command.

The device does not acknowledge commands; use monitor or link_test to see
whether frames are flowing.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	var command byte
	switch args[0] {
	case "on", "start":
		command = control.CmdStartSniffing
	case "off", "stop":
		command = control.CmdStopSniffing
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendCommand(conn, command); err != nil {
		return err
	}
	fmt.Printf("Sent %s (%q) on %s\n", commandName(command), command, connInfo)
	return nil
}
