// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ctx *log.Logger

var logFile *os.File

// TelemetryCmd is the main command that is executed when running telemetry-client
var TelemetryCmd = &cobra.Command{
	Use:   "telemetry-client",
	Short: "MQTT telemetry client",
	Long:  `telemetry-client publishes sensor readings to an MQTT broker and handles the messages it subscribes to`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		level := log.InfoLevel
		if config.GetBool("debug") {
			level = log.DebugLevel
		}

		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

// Execute is called by main.go
func Execute() {
	defer func() {
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, false)
		if thePanic := recover(); thePanic != nil && ctx != nil {
			ctx.WithField("panic", thePanic).WithField("stack", string(buf)).Fatal("Stopping because of panic")
		}
	}()

	if err := TelemetryCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	TelemetryCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
	TelemetryCmd.PersistentFlags().String("log-file", "", "Location of the log file")
	TelemetryCmd.PersistentFlags().Bool("debug", false, "Print debug logs")

	TelemetryCmd.PersistentFlags().String("broker", "tcp://localhost:1883", "URI of the MQTT broker (tcp, ssl, ws or wss)")
	TelemetryCmd.PersistentFlags().String("client-id", "", "MQTT client identifier (random if empty)")
	TelemetryCmd.PersistentFlags().String("username", "", "MQTT username")
	TelemetryCmd.PersistentFlags().String("password", "", "MQTT password")
	TelemetryCmd.PersistentFlags().Bool("clean-session", true, "Start a clean MQTT session on every connect")
	TelemetryCmd.PersistentFlags().Duration("keepalive", 60*time.Second, "MQTT keepalive interval")
	TelemetryCmd.PersistentFlags().Duration("ping-timeout", 10*time.Second, "Time to wait for a PINGRESP")
	TelemetryCmd.PersistentFlags().Duration("connect-timeout", 10*time.Second, "Time to wait for a connection to the broker")
	TelemetryCmd.PersistentFlags().Duration("reconnect-delay", 5*time.Second, "Time between reconnection attempts")
	TelemetryCmd.PersistentFlags().Duration("publish-timeout", 10*time.Second, "Time to wait for a publish to complete")
	TelemetryCmd.PersistentFlags().Int("max-packet-size", 64*1024, "Maximum size of MQTT packets")
	TelemetryCmd.PersistentFlags().String("mailbox", "pipe", "How requests reach the MQTT worker (pipe or udp)")

	TelemetryCmd.PersistentFlags().String("will-topic", "", "Topic of the last will message")
	TelemetryCmd.PersistentFlags().String("will-payload", "offline", "Payload of the last will message")
	TelemetryCmd.PersistentFlags().Int("will-qos", 0, "QoS of the last will message")
	TelemetryCmd.PersistentFlags().Bool("will-retain", false, "Retain the last will message")

	TelemetryCmd.PersistentFlags().String("root-ca-file", "", "Location of the file containing Root CA certificates")
	TelemetryCmd.PersistentFlags().Bool("insecure-skip-verify", false, "Do not verify the certificate of the broker")

	TelemetryCmd.PersistentFlags().Bool("redis", false, "Use Redis for the session store and rate limits")
	TelemetryCmd.PersistentFlags().String("redis-address", "localhost:6379", "Redis host and port")
	TelemetryCmd.PersistentFlags().String("redis-password", "", "Redis password")
	TelemetryCmd.PersistentFlags().Int("redis-db", 0, "Redis database")

	viper.BindPFlags(TelemetryCmd.PersistentFlags())
}
