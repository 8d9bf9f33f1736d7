// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/canshark/pkg/config"
	"github.com/Thermoquad/canshark/pkg/control"
	"github.com/Thermoquad/canshark/pkg/envelope"
)

var (
	bridgeBroker string
	bridgeTopic  string
	bridgeStart  bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Publish decoded frames to an MQTT broker",
	Long: `Decode the envelope stream and publish every frame as JSON.

Frames are published to <topic>/<id> where id is the identifier in hex
(three digits for standard, eight for extended identifiers). Device notices
are published to <topic>/notice. Broker settings come from the mqtt section
of the configuration file and the CANSHARK_MQTT_* environment variables.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeBroker, "broker", "", "Broker URL override (e.g. tcp://localhost:1883)")
	bridgeCmd.Flags().StringVar(&bridgeTopic, "topic", "", "Topic prefix override")
	bridgeCmd.Flags().BoolVar(&bridgeStart, "start", true, "Enable sniffing on connect and disable it on exit")
}

// bridgeFrame is the JSON form of one frame
type bridgeFrame struct {
	Time      int64  `json:"time_us"`
	ElapsedUs uint32 `json:"elapsed_us"`
	ID        uint32 `json:"id"`
	Extended  bool   `json:"extended"`
	Remote    bool   `json:"remote"`
	Data      string `json:"data"`
}

// bridgeNotice is the JSON form of a device notice
type bridgeNotice struct {
	Time   int64  `json:"time_us"`
	Notice string `json:"notice"`
}

// bridgeMessage returns the topic and JSON payload for a decoded line
func bridgeMessage(prefix string, msg *envelope.Message) (string, []byte, error) {
	if msg.IsNotice() {
		payload, err := json.Marshal(bridgeNotice{
			Time:   msg.Timestamp.UnixMicro(),
			Notice: msg.Notice,
		})
		return prefix + "/notice", payload, err
	}

	e := msg.Envelope
	topic := fmt.Sprintf("%s/%03X", prefix, e.ID)
	if e.IsExtended() {
		topic = fmt.Sprintf("%s/%08X", prefix, e.ID)
	}
	payload, err := json.Marshal(bridgeFrame{
		Time:      msg.Timestamp.UnixMicro(),
		ElapsedUs: e.Elapsed,
		ID:        e.ID,
		Extended:  e.IsExtended(),
		Remote:    e.IsRemote(),
		Data:      hex.EncodeToString(e.Payload),
	})
	return topic, payload, err
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if bridgeBroker != "" {
		cfg.MQTT.Broker = bridgeBroker
	}
	if bridgeTopic != "" {
		cfg.MQTT.Topic = bridgeTopic
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log = log.With().Str("component", "bridge").Logger()

	client, err := connectMQTT(cfg.MQTT, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	if bridgeStart {
		if err := sendCommand(conn, control.CmdStartSniffing); err != nil {
			return err
		}
		defer sendCommand(conn, control.CmdStopSniffing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("connection", connInfo).
		Str("broker", cfg.MQTT.Broker).
		Str("topic", cfg.MQTT.Topic).
		Msg("Bridge running")

	errLog := log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second})
	var published, failed uint64
	err = readMessages(ctx, conn, func(msg *envelope.Message, err error) bool {
		if err != nil {
			errLog.Warn().Err(err).Msg("Dropped invalid line")
			return true
		}
		topic, payload, err := bridgeMessage(cfg.MQTT.Topic, msg)
		if err != nil {
			errLog.Warn().Err(err).Msg("Encode failed")
			return true
		}
		token := client.Publish(topic, cfg.MQTT.QoS, false, payload)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			failed++
			errLog.Warn().Err(token.Error()).Str("topic", topic).Msg("Publish failed")
			return true
		}
		published++
		return true
	})

	log.Info().
		Uint64("published", published).
		Uint64("failed", failed).
		Msg("Bridge stopped")
	return err
}

// connectMQTT connects to the configured broker
func connectMQTT(cfg config.MQTTConfig, log zerolog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("Broker connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Msg("Broker connected")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return client, nil
}
