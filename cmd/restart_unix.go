// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build unix

package cmd

import (
	"fmt"
	"os"
	"syscall"
)

// reexec replaces the process with a fresh copy of the same executable,
// which boots into the newly selected partition
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
