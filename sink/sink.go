// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package sink contains destinations for messages received from the MQTT broker
package sink

import (
	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/apex/log"
)

// Sink handles received messages
type Sink interface {
	Handle(msg *client.Message) error
}

// Handler returns a client.Handler that passes messages to the sinks and logs their errors
func Handler(ctx log.Interface, sinks ...Sink) client.Handler {
	return func(msg *client.Message) {
		for _, sink := range sinks {
			if err := sink.Handle(msg); err != nil {
				ctx.WithError(err).WithField("Topic", msg.Topic).Warn("Could not handle message")
			}
		}
	}
}

// NewLog returns a sink that logs received messages
func NewLog(ctx log.Interface) *Log {
	return &Log{ctx: ctx.WithField("Sink", "Log")}
}

// Log sink
type Log struct {
	ctx log.Interface
}

// Handle logs the message
func (l *Log) Handle(msg *client.Message) error {
	l.ctx.WithFields(log.Fields{
		"Topic":    msg.Topic,
		"QoS":      msg.QoS,
		"Retained": msg.Retained,
		"Payload":  string(msg.Payload),
	}).Info("Received message")
	return nil
}
