// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the device configuration: a YAML file, then a .env
// file, then CANSHARK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the device looks for its configuration
const DefaultPath = "/etc/canshark/config.yaml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "CANSHARK_"

// CAN driver names
const (
	DriverSocketCAN = "socketcan"
	DriverReplay    = "replay"
	DriverVirtual   = "virtual"
)

// Config holds all device configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	CAN     CANConfig     `yaml:"can"`
	Capture CaptureConfig `yaml:"capture"`
	Control ControlConfig `yaml:"control"`
	Update  UpdateConfig  `yaml:"update"`
	Log     LogConfig     `yaml:"log"`
	MQTT    MQTTConfig    `yaml:"mqtt"`

	path string
}

type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type CANConfig struct {
	Driver         string   `yaml:"driver"`    // socketcan, replay or virtual
	Interface      string   `yaml:"interface"` // e.g. can0
	ReplayFile     string   `yaml:"replay_file"`
	ReplayRealtime bool     `yaml:"replay_realtime"`
	ReplayLoop     bool     `yaml:"replay_loop"`
	VirtualIDs     []uint32 `yaml:"virtual_ids"`
	VirtualPeriod  int      `yaml:"virtual_period_ms"`
}

type CaptureConfig struct {
	QueueCapacity  int `yaml:"queue_capacity"`
	ReceiveTimeout int `yaml:"receive_timeout_ms"`
	IdleInterval   int `yaml:"idle_interval_ms"`
	DrainInterval  int `yaml:"drain_interval_ms"`
	StatsInterval  int `yaml:"stats_interval_s"` // 0 disables the periodic stats log
}

type ControlConfig struct {
	SizeWidth    int  `yaml:"size_width"` // bytes in the update size field
	ReadTimeout  int  `yaml:"read_timeout_ms"`
	BufferSize   int  `yaml:"buffer_size"`
	FlushOnStart bool `yaml:"flush_on_start"`
}

type UpdateConfig struct {
	PartitionDir   string `yaml:"partition_dir"`
	SlotSize       int64  `yaml:"slot_size"`
	ReportFailures bool   `yaml:"report_failures"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// Default returns a config with the device defaults.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		CAN: CANConfig{
			Driver:         DriverSocketCAN,
			Interface:      "can0",
			ReplayRealtime: true,
			VirtualIDs:     []uint32{0x100, 0x200},
			VirtualPeriod:  10,
		},
		Capture: CaptureConfig{
			QueueCapacity:  2048,
			ReceiveTimeout: 100,
			IdleInterval:   10,
			DrainInterval:  10,
			StatsInterval:  30,
		},
		Control: ControlConfig{
			SizeWidth:    strconv.IntSize / 8,
			ReadTimeout:  100,
			BufferSize:   1024,
			FlushOnStart: true,
		},
		Update: UpdateConfig{
			PartitionDir: "/var/lib/canshark/partitions",
			SlotSize:     4 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			Topic:    "canshark/frames",
			ClientID: "canshark-bridge",
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.path = ""
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, or "" for defaults
func (c *Config) Path() string {
	return c.path
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads CANSHARK_* variables over the file values
func (c *Config) applyEnvOverrides() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("PORT", &c.Serial.Port)
	num("BAUD", &c.Serial.BaudRate)
	str("CAN_DRIVER", &c.CAN.Driver)
	str("CAN_INTERFACE", &c.CAN.Interface)
	str("REPLAY_FILE", &c.CAN.ReplayFile)
	flag("REPLAY_LOOP", &c.CAN.ReplayLoop)
	num("QUEUE_CAPACITY", &c.Capture.QueueCapacity)
	num("STATS_INTERVAL_S", &c.Capture.StatsInterval)
	num("SIZE_WIDTH", &c.Control.SizeWidth)
	flag("FLUSH_ON_START", &c.Control.FlushOnStart)
	str("PARTITION_DIR", &c.Update.PartitionDir)
	flag("REPORT_FAILURES", &c.Update.ReportFailures)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_TOPIC", &c.MQTT.Topic)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)

	return errors.Join(errs...)
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch c.CAN.Driver {
	case DriverSocketCAN, DriverVirtual:
	case DriverReplay:
		if c.CAN.ReplayFile == "" {
			return fmt.Errorf("can.replay_file is required for the replay driver")
		}
	default:
		return fmt.Errorf("unknown CAN driver %q", c.CAN.Driver)
	}
	switch c.Control.SizeWidth {
	case 2, 4, 8:
	default:
		return fmt.Errorf("control.size_width must be 2, 4 or 8, got %d", c.Control.SizeWidth)
	}
	if c.Capture.QueueCapacity <= 0 {
		return fmt.Errorf("capture.queue_capacity must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// Millis converts a millisecond config value to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
