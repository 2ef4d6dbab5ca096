// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

// Message received from the broker
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	PacketID  uint16
}

// Handler is called for every received message that matches its filter
type Handler func(msg *Message)
