// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/TheThingsNetwork/telemetry-client/status"
	"github.com/TheThingsNetwork/telemetry-client/store"
	redis "gopkg.in/redis.v5"
)

func newRedis() *redis.Client {
	if !config.GetBool("redis") {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     config.GetString("redis-address"),
		Password: config.GetString("redis-password"),
		DB:       config.GetInt("redis-db"),
	})
}

func tlsConfig() *tls.Config {
	rootCAFile := config.GetString("root-ca-file")
	insecure := config.GetBool("insecure-skip-verify")
	if rootCAFile == "" && !insecure {
		return nil
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure}
	if rootCAFile != "" {
		roots, err := ioutil.ReadFile(rootCAFile)
		if err != nil {
			ctx.WithError(err).Fatal("Could not load Root CA file")
		}
		tlsConfig.RootCAs = x509.NewCertPool()
		if !tlsConfig.RootCAs.AppendCertsFromPEM(roots) {
			ctx.Warn("Could not load all CAs from the Root CA file")
		} else {
			ctx.Infof("Using Root CAs from %s", rootCAFile)
		}
	}
	return tlsConfig
}

// newClient returns an MQTT client configured from flags, environment and config file
func newClient(redisClient *redis.Client, defaultHandler client.Handler) *client.Client {
	clientConfig := client.Config{
		URI:            config.GetString("broker"),
		ClientID:       config.GetString("client-id"),
		Username:       config.GetString("username"),
		Password:       config.GetString("password"),
		CleanSession:   config.GetBool("clean-session"),
		KeepAlive:      config.GetDuration("keepalive"),
		PingTimeout:    config.GetDuration("ping-timeout"),
		ConnectTimeout: config.GetDuration("connect-timeout"),
		ReconnectDelay: config.GetDuration("reconnect-delay"),
		PublishTimeout: config.GetDuration("publish-timeout"),
		MaxPacketSize:  config.GetInt("max-packet-size"),
		Mailbox:        config.GetString("mailbox"),
		TLSConfig:      tlsConfig(),
		DefaultHandler: defaultHandler,
		OnOnline: func(*client.Client) {
			status.Online()
		},
		OnOffline: func(_ *client.Client, err error) {
			status.Offline()
		},
	}
	if willTopic := config.GetString("will-topic"); willTopic != "" {
		clientConfig.Will = &client.Will{
			Topic:    willTopic,
			Payload:  []byte(config.GetString("will-payload")),
			QoS:      byte(config.GetInt("will-qos")),
			Retained: config.GetBool("will-retain"),
		}
	}
	// A persistent session needs a stable client identifier
	if !clientConfig.CleanSession && clientConfig.ClientID == "" {
		clientConfig.ClientID = config.GetString("device-id")
	}
	if redisClient != nil && !clientConfig.CleanSession {
		ctx.Info("Initializing Redis session store")
		clientConfig.Store = store.NewRedis(redisClient, "", clientConfig.ClientID)
	}

	mqtt, err := client.New(clientConfig, ctx)
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize MQTT client")
	}
	ctx.WithField("Broker", clientConfig.URI).WithField("ClientID", mqtt.ClientID()).Info("Initializing MQTT")
	return mqtt
}

// statusPublisher counts published messages
type statusPublisher struct {
	*client.Client
}

func (p statusPublisher) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := p.Client.Publish(ctx, topic, qos, retained, payload); err != nil {
		return err
	}
	status.Published()
	return nil
}
