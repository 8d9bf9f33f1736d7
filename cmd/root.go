// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/config"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "canshark",
	Short: "CAN bus sniffer",
	Long: `CANShark - A CAN bus sniffer and its host tools.

The device command runs the sniffer core: it captures CAN frames, streams
them over a serial link as hex-encoded envelopes, and accepts single-byte
commands and firmware images on the same link.

The remaining commands talk to a running device:
  monitor     decode and display the envelope stream
  sniff       start or stop capture
  flash       send a firmware image
  link_test   wait for one valid envelope
  bridge      publish decoded frames to MQTT

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the CANSHARK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")
}

// loadConfig reads the configuration file and applies the command line
// overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Serial.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Serial.BaudRate = baudRate
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the stderr logger for cfg
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	log, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: %w", err)
	}
	return log, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
