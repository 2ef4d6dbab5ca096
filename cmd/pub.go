// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/spf13/cobra"
)

var pubCmd = &cobra.Command{
	Use:   "pub [topic] [payload]",
	Short: "Publish a single message",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		qos, _ := cmd.Flags().GetInt("qos")
		retain, _ := cmd.Flags().GetBool("retain")

		mqtt := newClient(newRedis(), nil)
		err := publishOnce(mqtt, config.GetDuration("connect-timeout"), args[0], byte(qos), retain, []byte(args[1]))
		if err != nil {
			ctx.WithError(err).Fatal("Could not publish message")
		}
		ctx.WithField("Topic", args[0]).WithField("QoS", qos).Info("Published message")
	},
}

var errOffline = errors.New("could not connect to MQTT broker")

// publishOnce connects, publishes one message and stops the client, also when publishing fails
func publishOnce(mqtt *client.Client, timeout time.Duration, topic string, qos byte, retain bool, payload []byte) error {
	mqtt.Start()
	var err error
	if waitOnline(mqtt, timeout) {
		err = mqtt.Publish(context.Background(), topic, qos, retain, payload)
	} else {
		err = errOffline
	}
	if stopErr := mqtt.Stop(); err == nil {
		err = stopErr
	}
	return err
}

// waitOnline polls the client until it is connected or the timeout expires
func waitOnline(mqtt *client.Client, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !mqtt.IsConnected() {
		select {
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
	return true
}

func init() {
	pubCmd.Flags().Int("qos", 0, "QoS of the message")
	pubCmd.Flags().Bool("retain", false, "Retain the message")
	TelemetryCmd.AddCommand(pubCmd)
}
