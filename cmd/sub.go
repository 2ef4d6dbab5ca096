// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/TheThingsNetwork/telemetry-client/telemetry"
	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var subCmd = &cobra.Command{
	Use:   "sub [filter]...",
	Short: "Subscribe to topic filters and log received messages",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		qos, _ := cmd.Flags().GetInt("qos")
		format, _ := cmd.Flags().GetString("format")

		handler := func(msg *client.Message) {
			msgCtx := ctx.WithFields(log.Fields{
				"Topic":    msg.Topic,
				"QoS":      msg.QoS,
				"Retained": msg.Retained,
			})
			if format != "" {
				reading, err := telemetry.Decode(format, msg.Payload)
				if err != nil {
					msgCtx.WithError(err).Warn("Could not decode reading")
					return
				}
				msgCtx.WithFields(log.Fields{
					"Sensor": reading.Sensor,
					"Value":  reading.Value,
					"Unit":   reading.Unit,
				}).Info("Received reading")
				return
			}
			msgCtx.WithField("Payload", string(msg.Payload)).Info("Received message")
		}

		mqtt := newClient(newRedis(), handler)
		for _, filter := range args {
			if err := mqtt.Subscribe(context.Background(), filter, byte(qos), handler); err != nil {
				ctx.WithError(err).WithField("Filter", filter).Fatal("Could not subscribe")
			}
		}
		mqtt.Start()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		ctx.WithField("signal", <-sigChan).Info("signal received")

		if err := mqtt.Stop(); err != nil {
			ctx.WithError(err).Warn("Could not stop MQTT client")
		}
	},
}

func init() {
	subCmd.Flags().Int("qos", 1, "QoS of the subscriptions")
	subCmd.Flags().String("format", "", "Decode payloads as readings (json or proto)")
	TelemetryCmd.AddCommand(subCmd)
}
