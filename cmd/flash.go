// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/envelope"
	"github.com/Thermoquad/canshark/pkg/update"
)

var (
	flashSizeWidth int
	flashSettle    int
	flashChunk     int
	flashTimeout   int
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Send a firmware image to the device",
	Long: `Stream a firmware image to the device over the command link.

The update command (u) is sent with the image size as a little-endian field
of --size-width bytes, which must match the device configuration. The device
flushes its input when it accepts the command, so the image is sent after
the --settle delay.

The command waits for the device's completion notice. A failed update is
only reported when the device has update.report_failures enabled; otherwise
the command times out.

Exit codes:
  0 - Update committed, device restarting
  1 - Update failed or timed out
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().IntVar(&flashSizeWidth, "size-width", control.DefaultSizeWidth, "Width of the size field in bytes (2, 4 or 8)")
	flashCmd.Flags().IntVar(&flashSettle, "settle", 250, "Delay in milliseconds between the header and the image")
	flashCmd.Flags().IntVar(&flashChunk, "chunk", 256, "Bytes per write")
	flashCmd.Flags().IntVar(&flashTimeout, "timeout", 30, "Seconds to wait for the completion notice")
}

func runFlash(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	header, err := control.UpdateHeader(uint64(len(image)), flashSizeWidth)
	if err != nil {
		return err
	}
	if flashChunk <= 0 {
		flashChunk = len(image)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("CANShark - Firmware Update\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Image: %s (%d bytes)\n\n", args[0], len(image))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flashTimeout)*time.Second)
	defer cancel()

	// Listen before sending so the notice cannot be missed
	result := make(chan error, 1)
	go func() {
		err := readMessages(ctx, conn, func(msg *envelope.Message, err error) bool {
			if err != nil || !msg.IsNotice() {
				return true
			}
			fmt.Printf("Device: %s\n", msg.Notice)
			switch {
			case msg.Notice == update.CompleteNotice:
				result <- nil
				return false
			case strings.HasPrefix(msg.Notice, update.FailedNoticePrefix):
				result <- errors.New(msg.Notice)
				return false
			}
			return true
		})
		if err != nil {
			result <- err
		}
	}()

	if _, err := conn.Write(header); err != nil {
		fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		os.Exit(2)
	}
	time.Sleep(time.Duration(flashSettle) * time.Millisecond)

	for sent := 0; sent < len(image); {
		end := min(sent+flashChunk, len(image))
		n, err := conn.Write(image[sent:end])
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nSend failed after %d bytes: %v\n", sent, err)
			os.Exit(2)
		}
		sent += n
		fmt.Printf("\rSent %d/%d bytes (%.0f%%)", sent, len(image), float64(sent)*100/float64(len(image)))
	}
	fmt.Printf("\nWaiting for device...\n")

	select {
	case err := <-result:
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("SUCCESS: Update committed, device restarting\n")
		return nil
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "TIMEOUT: No completion notice within %d seconds\n", flashTimeout)
		os.Exit(1)
	}
	return nil
}
