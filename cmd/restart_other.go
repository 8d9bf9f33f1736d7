// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !unix

package cmd

import "github.com/Thermoquad/canshark/pkg/partition"

func reexec() error {
	return partition.ErrNoRestart
}
