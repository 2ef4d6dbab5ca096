// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package sink

import (
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// BufferSize indicates the maximum number of AMQP messages that should be buffered
var BufferSize = 10

var (
	// ConnectRetries says how many times the sink should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the sink should wait between retries
	ConnectRetryDelay = time.Second
)

// ErrBufferFull is returned when a message could not be queued for publishing
var ErrBufferFull = errors.New("amqp: buffer full")

// AMQPConfig contains configuration for the AMQP sink
type AMQPConfig struct {
	Address      string
	Username     string
	Password     string
	VHost        string
	ExchangeName string
	TLSConfig    *tls.Config
}

func (c AMQPConfig) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

// RoutingKey converts an MQTT topic to an AMQP routing key
func RoutingKey(topic string) string {
	return strings.NewReplacer("/", ".", ".", "/").Replace(topic)
}

type publishMessage struct {
	routingKey string
	persistent bool
	body       []byte
}

// NewAMQP returns a sink that publishes received messages to an AMQP topic exchange
func NewAMQP(config AMQPConfig, ctx log.Interface) *AMQP {
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}
	return &AMQP{
		config: config,
		ctx:    ctx.WithField("Sink", "AMQP"),
		queue:  make(chan publishMessage, BufferSize),
		done:   make(chan struct{}),
	}
}

// AMQP sink
type AMQP struct {
	config AMQPConfig
	ctx    log.Interface
	queue  chan publishMessage
	done   chan struct{}
	stop   sync.Once

	mu   sync.Mutex
	conn *amqp.Connection
}

// Connect to AMQP and start publishing. The sink reconnects when the connection is lost.
func (a *AMQP) Connect() error {
	if err := a.connect(); err != nil {
		return err
	}
	go a.publish()
	return nil
}

func (a *AMQP) connect() (err error) {
	for retries := 0; retries < ConnectRetries; retries++ {
		var conn *amqp.Connection
		if a.config.TLSConfig != nil {
			conn, err = amqp.DialTLS(a.config.url(), a.config.TLSConfig)
		} else {
			conn, err = amqp.Dial(a.config.url())
		}
		if err == nil {
			a.mu.Lock()
			a.conn = conn
			a.mu.Unlock()
			err = a.setup()
		}
		if err == nil {
			a.ctx.Info("Connected")
			return nil
		}
		a.ctx.WithError(err).Warn("Could not connect to AMQP. Retrying...")
		select {
		case <-a.done:
			return errors.New("amqp: sink closed")
		case <-time.After(ConnectRetryDelay):
		}
	}
	return err
}

func (a *AMQP) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, errors.New("amqp: not connected")
	}
	return a.conn.Channel()
}

func (a *AMQP) setup() error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclarePassive(a.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		a.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", a.config.ExchangeName)
		// A failed passive declare closes the channel
		ch, err := a.channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		return ch.ExchangeDeclare(a.config.ExchangeName, "topic", true, false, false, false, nil)
	}
	return nil
}

// publish drains the queue into a channel and recreates the channel or connection when it closes
func (a *AMQP) publish() {
	for {
		channel, err := a.channel()
		if err != nil {
			a.ctx.WithError(err).Warn("Could not get publish channel")
			if err = a.connect(); err != nil {
				a.ctx.WithError(err).Error("Could not reconnect")
				return
			}
			continue
		}
		closed := channel.NotifyClose(make(chan *amqp.Error, 1))

	handle:
		for {
			select {
			case <-a.done:
				channel.Close()
				return
			case amqpErr, ok := <-closed:
				if ok {
					a.ctx.WithError(amqpErr).Warn("Publish channel closed")
				}
				break handle
			case msg := <-a.queue:
				publishing := amqp.Publishing{
					Timestamp:   time.Now(),
					ContentType: "application/octet-stream",
					Body:        msg.body,
				}
				if msg.persistent {
					publishing.DeliveryMode = amqp.Persistent
				}
				ctx := a.ctx.WithField("RoutingKey", msg.routingKey)
				if err := channel.Publish(a.config.ExchangeName, msg.routingKey, false, false, publishing); err != nil {
					ctx.WithError(err).Warn("Could not publish message")
				} else {
					ctx.Debug("Published message")
				}
			}
		}

		select {
		case <-a.done:
			return
		case <-time.After(ConnectRetryDelay):
		}
	}
}

// Handle queues the message for publishing with the topic as routing key
func (a *AMQP) Handle(msg *client.Message) error {
	select {
	case a.queue <- publishMessage{routingKey: RoutingKey(msg.Topic), persistent: msg.QoS > 0, body: msg.Payload}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Disconnect from AMQP
func (a *AMQP) Disconnect() (err error) {
	a.stop.Do(func() {
		close(a.done)
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.conn != nil {
			err = a.conn.Close()
			a.conn = nil
		}
	})
	return err
}
