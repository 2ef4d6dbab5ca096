// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Errors returned by the client
var (
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrConnectionLost   = errors.New("mqtt: connection lost")
	ErrPingTimeout      = errors.New("mqtt: no PINGRESP received in time")
	ErrInvalidURI       = errors.New("mqtt: invalid broker URI")
	ErrInvalidTopic     = errors.New("mqtt: invalid topic")
	ErrInvalidQoS       = errors.New("mqtt: invalid QoS")
	ErrTooManyHandlers  = errors.New("mqtt: too many message handlers")
	ErrPacketTooLarge   = errors.New("mqtt: packet too large")
	ErrSubscribeRefused = errors.New("mqtt: subscription refused by broker")
	ErrStopped          = errors.New("mqtt: client stopped")
	ErrTimeout          = errors.New("mqtt: operation timed out")
	ErrProtocol         = errors.New("mqtt: protocol violation")
	ErrNoPacketID       = errors.New("mqtt: no packet identifier available")
	ErrTooManyRequests  = errors.New("mqtt: too many pending requests")
)

// ConnackError is returned when the broker refuses a connection
type ConnackError struct {
	Code byte
}

func (e *ConnackError) Error() string {
	if reason, ok := packets.ConnackReturnCodes[e.Code]; ok {
		return fmt.Sprintf("mqtt: %s", reason)
	}
	return fmt.Sprintf("mqtt: connection refused with code %d", e.Code)
}
