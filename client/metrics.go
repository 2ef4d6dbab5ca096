// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/prometheus/client_golang/prometheus"
)

var connectedClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mqtt",
		Subsystem: "client",
		Name:      "connected",
		Help:      "Number of clients with an established MQTT session.",
	},
)

var reconnects = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mqtt",
		Subsystem: "client",
		Name:      "reconnects_total",
		Help:      "Total number of reconnection attempts.",
	},
)

var sentCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mqtt",
		Subsystem: "client",
		Name:      "packets_sent_total",
		Help:      "Total number of MQTT packets sent.",
	}, []string{"packet_type"},
)

var receivedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mqtt",
		Subsystem: "client",
		Name:      "packets_received_total",
		Help:      "Total number of MQTT packets received.",
	}, []string{"packet_type"},
)

var droppedCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mqtt",
		Subsystem: "client",
		Name:      "messages_dropped_total",
		Help:      "Total number of received messages dropped because the handler buffer was full.",
	},
)

func packetType(p packets.ControlPacket) string {
	switch p.(type) {
	case *packets.ConnectPacket:
		return "Connect"
	case *packets.ConnackPacket:
		return "Connack"
	case *packets.PublishPacket:
		return "Publish"
	case *packets.PubackPacket:
		return "Puback"
	case *packets.PubrecPacket:
		return "Pubrec"
	case *packets.PubrelPacket:
		return "Pubrel"
	case *packets.PubcompPacket:
		return "Pubcomp"
	case *packets.SubscribePacket:
		return "Subscribe"
	case *packets.SubackPacket:
		return "Suback"
	case *packets.UnsubscribePacket:
		return "Unsubscribe"
	case *packets.UnsubackPacket:
		return "Unsuback"
	case *packets.PingreqPacket:
		return "Pingreq"
	case *packets.PingrespPacket:
		return "Pingresp"
	case *packets.DisconnectPacket:
		return "Disconnect"
	}
	return "Unknown"
}

func registerSent(p packets.ControlPacket) {
	sentCounter.WithLabelValues(packetType(p)).Inc()
}

func registerReceived(p packets.ControlPacket) {
	receivedCounter.WithLabelValues(packetType(p)).Inc()
}

func init() {
	prometheus.MustRegister(connectedClients)
	prometheus.MustRegister(reconnects)
	prometheus.MustRegister(sentCounter)
	prometheus.MustRegister(receivedCounter)
	prometheus.MustRegister(droppedCounter)
}
