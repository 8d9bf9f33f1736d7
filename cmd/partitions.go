// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/partition"
)

var partitionsDir string

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Show the firmware partition table",
	Long: `Print the slots of a device's firmware partition directory.

The table is read without performing boot selection, so inspecting a store
never advances an image's verification state. The running slot is only
known to the device itself; BOOT marks the slot the next start will use.`,
	RunE: runPartitions,
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
	partitionsCmd.Flags().StringVar(&partitionsDir, "dir", "", "Partition directory (default: update.partition_dir)")
}

func runPartitions(cmd *cobra.Command, args []string) error {
	dir := partitionsDir
	if dir == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir = cfg.Update.PartitionDir
	}

	table, err := partition.Inspect(dir)
	if err != nil {
		return err
	}

	fmt.Printf("Partitions in %s\n\n", dir)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATE\tSIZE\tSEQ\tBOOT")
	for _, s := range table {
		boot := ""
		if s.Boot {
			boot = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.Label, s.State, s.Size, s.Seq, boot)
	}
	return w.Flush()
}
