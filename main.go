// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// CANShark - CAN bus sniffer
//
// Captures CAN frames and streams them over a serial link in a
// line-oriented hex format, with a command channel for capture control
// and firmware updates.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/canshark/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
