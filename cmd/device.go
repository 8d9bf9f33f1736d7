// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/canbus"
	"github.com/Thermoquad/canshark/pkg/capture"
	"github.com/Thermoquad/canshark/pkg/config"
	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/partition"
	"github.com/Thermoquad/canshark/pkg/recorder"
	"github.com/Thermoquad/canshark/pkg/serialport"
	"github.com/Thermoquad/canshark/pkg/sniffer"
	"github.com/Thermoquad/canshark/pkg/update"
)

var (
	deviceCANDriver    string
	deviceReplayFile   string
	devicePartitionDir string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run the sniffer device core",
	Long: `Run the sniffer on this machine.

The device validates the running firmware image, then captures frames from
the configured CAN controller and streams them over the serial port while
sniffing is enabled. Commands and firmware images are read from the same
port.

CAN drivers:
  socketcan  Linux SocketCAN interface (can.interface)
  replay     candump log or CBOR capture file (can.replay_file)
  virtual    synthetic traffic on can.virtual_ids

A committed firmware update restarts the process into the new image.`,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.Flags().StringVar(&deviceCANDriver, "can-driver", "", "CAN driver override (socketcan, replay, virtual)")
	deviceCmd.Flags().StringVar(&deviceReplayFile, "replay", "", "Replay file (implies --can-driver replay)")
	deviceCmd.Flags().StringVar(&devicePartitionDir, "partition-dir", "", "Firmware partition directory override")
}

func runDevice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if deviceReplayFile != "" {
		cfg.CAN.Driver = config.DriverReplay
		cfg.CAN.ReplayFile = deviceReplayFile
	}
	if deviceCANDriver != "" {
		cfg.CAN.Driver = deviceCANDriver
	}
	if devicePartitionDir != "" {
		cfg.Update.PartitionDir = devicePartitionDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if cfg.Path() != "" {
		log.Info().Str("path", cfg.Path()).Msg("Loaded configuration")
	}

	ctrl, err := openController(cfg.CAN)
	if err != nil {
		return err
	}

	port, err := serialport.Open(cfg.Serial.Port, cfg.Serial.BaudRate)
	if err != nil {
		return err
	}
	defer port.Close()

	pm, err := partition.Open(cfg.Update.PartitionDir, partition.Options{
		SlotSize: cfg.Update.SlotSize,
		Restart: func() error {
			port.Close()
			return reexec()
		},
	}, log)
	if err != nil {
		return err
	}
	if pm.RolledBack() {
		log.Warn().Str("running", pm.Running()).Msg("Previous image was never confirmed; rolled back")
	}
	sniffer.Boot(pm, log)

	d := sniffer.New(port, ctrl, pm, deviceOptions(cfg), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("port", port.Name()).
		Int("baud", cfg.Serial.BaudRate).
		Str("can_driver", cfg.CAN.Driver).
		Str("partition", pm.Running()).
		Msg("Device started")
	return d.Run(ctx)
}

// deviceOptions maps the configuration onto the sniffer tasks
func deviceOptions(cfg *config.Config) sniffer.Options {
	return sniffer.Options{
		QueueCapacity: cfg.Capture.QueueCapacity,
		Capture: capture.Options{
			ReceiveTimeout: config.Millis(cfg.Capture.ReceiveTimeout),
			IdleInterval:   config.Millis(cfg.Capture.IdleInterval),
		},
		DrainInterval: config.Millis(cfg.Capture.DrainInterval),
		Control: control.Options{
			ReadTimeout:  config.Millis(cfg.Control.ReadTimeout),
			BufferSize:   cfg.Control.BufferSize,
			SizeWidth:    cfg.Control.SizeWidth,
			FlushOnStart: cfg.Control.FlushOnStart,
		},
		Update: update.Options{
			ReportFailures: cfg.Update.ReportFailures,
		},
		StatsInterval: time.Duration(cfg.Capture.StatsInterval) * time.Second,
	}
}

// openController creates the configured CAN controller
func openController(cfg config.CANConfig) (canbus.Controller, error) {
	switch cfg.Driver {
	case config.DriverSocketCAN:
		return canbus.NewSocketCAN(cfg.Interface), nil
	case config.DriverVirtual:
		return canbus.NewVirtual(cfg.VirtualIDs, config.Millis(cfg.VirtualPeriod), time.Now().UnixNano()), nil
	case config.DriverReplay:
		frames, err := loadReplay(cfg.ReplayFile)
		if err != nil {
			return nil, err
		}
		return canbus.NewReplay(frames, canbus.ReplayOptions{
			Realtime: cfg.ReplayRealtime,
			Loop:     cfg.ReplayLoop,
		}), nil
	default:
		return nil, fmt.Errorf("unknown CAN driver %q", cfg.Driver)
	}
}

// loadReplay reads a CBOR capture (.cbor) or a candump log
func loadReplay(path string) ([]canbus.TimedFrame, error) {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		records, err := recorder.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return recorder.Frames(records), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()
	frames, err := canbus.ReadCandump(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return frames, nil
}
