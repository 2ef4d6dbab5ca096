// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// Publisher publishes messages. It is satisfied by *client.Client.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// Config contains configuration for the telemetry publisher
type Config struct {
	Sensors   map[string]Sensor
	Format    string
	RateLimit *RateLimit
}

// New returns a new telemetry publisher
func New(publisher Publisher, config Config, ctx log.Interface) *Telemetry {
	return &Telemetry{
		ctx:       ctx.WithField("Component", "Telemetry"),
		publisher: publisher,
		config:    config,
	}
}

// Telemetry periodically publishes sensor readings
type Telemetry struct {
	ctx       log.Interface
	publisher Publisher
	config    Config

	mu        sync.Mutex
	published uint64
}

// Published returns the number of readings that were published
func (t *Telemetry) Published() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}

// Run publishes every channel on its interval until the context is done.
// When a new channel list arrives on updates, the channels are restarted.
func (t *Telemetry) Run(ctx context.Context, channels []Channel, updates <-chan []Channel) {
	for {
		channelsCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		for _, channel := range channels {
			wg.Add(1)
			go func(channel Channel) {
				defer wg.Done()
				t.runChannel(channelsCtx, channel)
			}(channel)
		}
		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return
		case update, ok := <-updates:
			cancel()
			wg.Wait()
			if !ok {
				updates = nil
				continue
			}
			channels = update
		}
	}
}

func (t *Telemetry) runChannel(ctx context.Context, channel Channel) {
	logCtx := t.ctx.WithFields(log.Fields{"Channel": channel.Name, "Topic": channel.Topic})
	ticker := time.NewTicker(channel.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.PublishOnce(ctx, channel); err != nil {
				logCtx.WithError(err).Warn("Could not publish reading")
			}
		}
	}
}

// PublishOnce reads the sensor of the channel and publishes the reading
func (t *Telemetry) PublishOnce(ctx context.Context, channel Channel) error {
	sensor, ok := t.config.Sensors[channel.Sensor]
	if !ok {
		return fmt.Errorf("telemetry: unknown sensor %q", channel.Sensor)
	}
	if err := t.config.RateLimit.Check(channel); err != nil {
		return err
	}
	reading, err := sensor.Read()
	if err != nil {
		return err
	}
	payload, err := Encode(t.config.Format, reading)
	if err != nil {
		return err
	}
	if err := t.publisher.Publish(ctx, channel.Topic, channel.QoS, channel.Retain, payload); err != nil {
		return err
	}
	t.mu.Lock()
	t.published++
	t.mu.Unlock()
	t.ctx.WithFields(log.Fields{"Topic": channel.Topic, "Value": reading.Value}).Debug("Published reading")
	return nil
}
