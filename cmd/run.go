// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/TheThingsNetwork/telemetry-client/sink"
	"github.com/TheThingsNetwork/telemetry-client/status"
	"github.com/TheThingsNetwork/telemetry-client/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Publish sensor readings and handle subscribed messages",
	Run:   runTelemetry,
}

// defaultChannels are used when no channel file is given
func defaultChannels(prefix string, interval time.Duration, qos byte, limit int) []telemetry.Channel {
	var channels []telemetry.Channel
	for _, sensor := range []string{"temperature", "humidity"} {
		channels = append(channels, telemetry.Channel{
			Name:     sensor,
			Sensor:   sensor,
			Topic:    fmt.Sprintf("%s/%s", prefix, sensor),
			Interval: interval,
			QoS:      qos,
			Limit:    limit,
		})
	}
	return channels
}

func newSensors() map[string]telemetry.Sensor {
	sensors := map[string]telemetry.Sensor{
		"temperature": telemetry.NewSimulated("temperature", "Cel", 15, 30),
		"humidity":    telemetry.NewSimulated("humidity", "%RH", 30, 70),
	}
	for zone := 0; zone < 8; zone++ {
		thermal := telemetry.NewThermal(fmt.Sprintf("thermal%d", zone), zone)
		if _, err := thermal.Read(); err != nil {
			break
		}
		sensors[thermal.Name()] = thermal
	}
	return sensors
}

// amqpRegexp matches user:pass@host:port
var amqpRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

func newSinks() (sinks []sink.Sink, closers []func() error) {
	sinks = append(sinks, sink.NewLog(ctx))
	for _, amqpBroker := range config.GetStringSlice("amqp") {
		if amqpBroker == "" || amqpBroker == "disable" {
			continue
		}
		parts := amqpRegexp.FindStringSubmatch(amqpBroker)
		if parts == nil {
			ctx.WithField("AMQP", amqpBroker).Warn("Invalid AMQP broker")
			continue
		}
		ctx.WithField("Username", parts[1]).WithField("Address", parts[3]).Info("Initializing AMQP")
		amqp := sink.NewAMQP(sink.AMQPConfig{
			Address:      parts[3],
			Username:     parts[1],
			Password:     parts[2],
			ExchangeName: config.GetString("amqp-exchange"),
		}, ctx)
		if err := amqp.Connect(); err != nil {
			ctx.WithError(err).Warnf("Could not connect to AMQP broker %s", parts[3])
			continue
		}
		sinks = append(sinks, amqp)
		closers = append(closers, amqp.Disconnect)
	}
	return
}

func serveStatus() (stop func()) {
	for _, key := range config.GetStringSlice("access-key") {
		status.AddAccessKey(key)
	}
	var stops []func()
	if address := config.GetString("status-address"); address != "" {
		srv := &http.Server{Addr: address, Handler: status.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				ctx.WithError(err).Warn("Status server stopped")
			}
		}()
		ctx.WithField("Address", address).Info("Serving status and metrics")
		stops = append(stops, func() { srv.Close() })
	}
	if address := config.GetString("health-address"); address != "" {
		lis, err := net.Listen("tcp", address)
		if err != nil {
			ctx.WithError(err).Fatal("Could not start health server")
		}
		srv := grpc.NewServer()
		status.Register(srv)
		go srv.Serve(lis)
		ctx.WithField("Address", address).Info("Serving gRPC health")
		stops = append(stops, srv.Stop)
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

func runTelemetry(cmd *cobra.Command, args []string) {
	redisClient := newRedis()

	sinks, closers := newSinks()
	handler := sink.Handler(ctx, sinks...)
	received := func(msg *client.Message) {
		status.Received()
		handler(msg)
	}

	mqtt := newClient(redisClient, received)
	for _, filter := range config.GetStringSlice("subscribe") {
		if filter == "" {
			continue
		}
		if err := mqtt.Subscribe(context.Background(), filter, byte(config.GetInt("subscribe-qos")), received); err != nil {
			ctx.WithError(err).WithField("Filter", filter).Fatal("Could not subscribe")
		}
	}

	stopStatus := serveStatus()

	var rateLimit *telemetry.RateLimit
	if redisClient != nil {
		rateLimit = telemetry.NewRedisRateLimit(redisClient)
	} else {
		rateLimit = telemetry.NewRateLimit()
	}

	prefix := strings.TrimSuffix(config.GetString("topic-prefix"), "/") + "/" + config.GetString("device-id")
	channels := defaultChannels(prefix, config.GetDuration("interval"), byte(config.GetInt("publish-qos")), config.GetInt("rate-limit"))
	var updates <-chan []telemetry.Channel
	if channelsFile := config.GetString("channels-file"); channelsFile != "" {
		var err error
		channels, err = telemetry.LoadChannels(channelsFile)
		if err != nil {
			ctx.WithError(err).Fatal("Could not load channels")
		}
		watcher, err := telemetry.WatchChannels(channelsFile, ctx)
		if err != nil {
			ctx.WithError(err).Warn("Could not watch channels")
		} else {
			defer watcher.Close()
			updates = watcher.Updates()
		}
	}

	publisher := telemetry.New(statusPublisher{mqtt}, telemetry.Config{
		Sensors:   newSensors(),
		Format:    config.GetString("format"),
		RateLimit: rateLimit,
	}, ctx)

	mqtt.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		publisher.Run(runCtx, channels, updates)
		close(done)
	}()
	ctx.WithField("Channels", len(channels)).Info("Publishing telemetry")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")

	cancel()
	<-done
	if err := mqtt.Stop(); err != nil {
		ctx.WithError(err).Warn("Could not stop MQTT client")
	}
	for _, disconnect := range closers {
		disconnect()
	}
	stopStatus()
	ctx.WithField("Published", publisher.Published()).Info("Stopped")
}

func init() {
	runCmd.Flags().String("device-id", "", "Device identifier used in the telemetry topics (user@hostname if empty)")
	runCmd.Flags().String("topic-prefix", "telemetry", "Prefix of the telemetry topics")
	runCmd.Flags().String("channels-file", "", "Location of a YAML file with the telemetry channels (watched for changes)")
	runCmd.Flags().Duration("interval", 10*time.Second, "Publish interval of the default channels")
	runCmd.Flags().Int("publish-qos", 1, "QoS of the default channels")
	runCmd.Flags().Int("rate-limit", 0, "Maximum publishes per minute per default channel (0 for no limit)")
	runCmd.Flags().String("format", telemetry.FormatJSON, "Payload format (json or proto)")

	runCmd.Flags().StringSlice("subscribe", []string{}, "Topic filters to subscribe to")
	runCmd.Flags().Int("subscribe-qos", 1, "QoS of the subscriptions")
	runCmd.Flags().StringSlice("amqp", []string{}, "AMQP brokers to forward received messages to (user:pass@host:port)")
	runCmd.Flags().String("amqp-exchange", "amq.topic", "AMQP exchange to forward received messages to")

	runCmd.Flags().String("status-address", ":8080", "Address of the HTTP status and metrics server (empty to disable)")
	runCmd.Flags().String("health-address", "", "Address of the gRPC health server (empty to disable)")
	runCmd.Flags().StringSlice("access-key", []string{}, "Access keys for the status and health servers")

	viper.BindPFlags(runCmd.Flags())
	TelemetryCmd.AddCommand(runCmd)
}
