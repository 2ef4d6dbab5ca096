// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/TheThingsNetwork/telemetry-client/store"
	"github.com/TheThingsNetwork/ttn/utils/random"
)

// Defaults for the zero values in Config
var (
	DefaultKeepAlive      = 60 * time.Second
	DefaultPingTimeout    = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultMaxHandlers    = 5
	DefaultMaxPacketSize  = 64 * 1024
	DefaultBufferSize     = 10
)

// Will is the message the broker publishes when the client disappears without DISCONNECT
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Config contains configuration for the MQTT client
type Config struct {
	URI      string
	ClientID string
	Username string
	Password string

	// CleanSession discards the session state on the broker and in the Store on every connect
	CleanSession bool
	// KeepAlive is the maximum idle time before a PINGREQ is sent. A negative value disables pinging.
	KeepAlive      time.Duration
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration

	MaxHandlers int
	// MaxPacketSize bounds the remaining length of packets sent and received
	MaxPacketSize int
	// BufferSize is the number of received messages that can wait for their handler
	BufferSize int
	// Mailbox selects how requests reach the worker: MailboxPipe (default) or MailboxUDP
	Mailbox string

	TLSConfig *tls.Config
	Will      *Will
	Store     store.Interface

	// DefaultHandler receives messages that match none of the subscriptions
	DefaultHandler Handler
	// OnConnect is called on the worker goroutine before every connection attempt
	OnConnect func(*Client)
	// OnOnline is called when a session is established and subscriptions are restored
	OnOnline func(*Client)
	// OnOffline is called when a session ends
	OnOffline func(*Client, error)
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("telemetry-%s", random.String(16))
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.KeepAlive < 0 {
		c.KeepAlive = 0
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.MaxHandlers <= 0 {
		c.MaxHandlers = DefaultMaxHandlers
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Mailbox == "" {
		c.Mailbox = MailboxPipe
	}
	if c.Store == nil {
		c.Store = store.NewMemory()
	}
	return c
}

func (c Config) validate() error {
	if len(c.ClientID) > 65535 {
		return fmt.Errorf("mqtt: client id too long")
	}
	if c.KeepAlive > 65535*time.Second {
		return fmt.Errorf("mqtt: keepalive %s out of range", c.KeepAlive)
	}
	if w := c.Will; w != nil {
		if err := ValidateTopic(w.Topic); err != nil {
			return fmt.Errorf("will: %w", err)
		}
		if w.QoS > 2 {
			return fmt.Errorf("will: %w", ErrInvalidQoS)
		}
	}
	return nil
}
