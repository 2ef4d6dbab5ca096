// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

const connackAccepted byte = 0x00

func (c *Client) connectPacket() *packets.ConnectPacket {
	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ProtocolName = "MQTT"
	connect.ProtocolVersion = 4
	connect.CleanSession = c.config.CleanSession
	connect.ClientIdentifier = c.config.ClientID
	connect.Keepalive = uint16((c.config.KeepAlive + time.Second - 1) / time.Second)
	if c.config.Username != "" {
		connect.UsernameFlag = true
		connect.Username = c.config.Username
	}
	if c.config.Password != "" {
		connect.PasswordFlag = true
		connect.Password = []byte(c.config.Password)
	}
	if will := c.config.Will; will != nil {
		connect.WillFlag = true
		connect.WillTopic = will.Topic
		connect.WillMessage = will.Payload
		connect.WillQos = will.QoS
		connect.WillRetain = will.Retained
	}
	return connect
}

// connect dials the broker and performs the CONNECT/CONNACK handshake within ConnectTimeout
func (c *Client) connect() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(c.quit, c.config.ConnectTimeout)
	defer cancel()

	c.ctx.WithField("Broker", c.broker).Debug("Connecting to MQTT broker")
	conn, err := dial(ctx, c.broker, c.config.TLSConfig)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connect := c.connectPacket()
	if err := connect.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	registerSent(connect)

	p, err := packets.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	registerReceived(p)
	connack, ok := p.(*packets.ConnackPacket)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: expected Connack, got %s", ErrProtocol, packetType(p))
	}
	if connack.ReturnCode != connackAccepted {
		conn.Close()
		return nil, &ConnackError{Code: connack.ReturnCode}
	}
	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.sessionPresent = connack.SessionPresent
	c.mu.Unlock()
	return conn, nil
}
