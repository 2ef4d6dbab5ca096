// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	mapset "github.com/deckarep/golang-set"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Client is an MQTT client. All network I/O happens on a single worker goroutine.
type Client struct {
	config Config
	broker *Broker
	ctx    log.Interface

	mailbox mailbox
	router  *router

	quit   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	commands   chan command
	deliveries chan *Message

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	// pubMu keeps at most one publish handshake in flight
	pubMu sync.Mutex

	mu             sync.Mutex
	waiters        map[uint16]chan error
	lastTag        uint16
	connected      bool
	sessionPresent bool

	// unsubscribes holds the filters removed while offline that a persistent session still has
	unsubscribes mapset.Set

	// Owned by the worker
	lastID   uint16
	outbound map[uint16]*flight
	received mapset.Set
}

// New returns a new MQTT client. Call Start to connect.
func New(config Config, ctx log.Interface) (*Client, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	broker, err := ParseURI(config.URI)
	if err != nil {
		return nil, err
	}
	mailbox, err := newMailbox(config.Mailbox)
	if err != nil {
		return nil, err
	}
	c := &Client{
		config:     config,
		broker:     broker,
		ctx:        ctx.WithFields(log.Fields{"Connector": "MQTT", "ClientID": config.ClientID}),
		mailbox:    mailbox,
		router:     &router{max: config.MaxHandlers, defaultHandler: config.DefaultHandler},
		done:       make(chan struct{}),
		commands:   make(chan command),
		deliveries: make(chan *Message, config.BufferSize),
		waiters:    make(map[uint16]chan error),
		outbound:   make(map[uint16]*flight),
		received:   mapset.NewSet(),

		unsubscribes: mapset.NewSet(),
	}
	c.quit, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ClientID returns the client identifier sent to the broker
func (c *Client) ClientID() string {
	return c.config.ClientID
}

// Start the worker. The client connects in the background and keeps reconnecting until Stop.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.readMailbox()
		go c.dispatch()
		go c.run()
	})
}

// Stop sends DISCONNECT to the broker and stops the worker
func (c *Client) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started {
			c.cancel()
			err = c.mailbox.Close()
			return
		}
		posted := make(chan error, 1)
		go func() {
			posted <- c.mailbox.Post(command{packet: packets.NewControlPacket(packets.Disconnect)})
		}()
		select {
		case err = <-posted:
			if err == nil {
				select {
				case <-c.done:
				case <-time.After(c.config.ConnectTimeout):
				}
			}
		case <-time.After(c.config.ConnectTimeout):
		}
		c.cancel()
		<-c.done
		c.mailbox.Close()
	})
	return err
}

// IsConnected returns true if a session with the broker is established
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionPresent returns the session present flag of the last CONNACK
func (c *Client) SessionPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionPresent
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
	if connected {
		connectedClients.Inc()
	} else {
		connectedClients.Dec()
	}
}

// Publish a message. It returns when the message is written (QoS 0) or acknowledged (QoS 1 and 2).
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	size := 2 + len(topic) + len(payload)
	if qos > 0 {
		size += 2
	}
	if size > c.config.MaxPacketSize {
		return ErrPacketTooLarge
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	publish := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publish.TopicName = topic
	publish.Qos = qos
	publish.Retain = retained
	publish.Payload = payload

	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()
	return c.request(ctx, publish)
}

// Subscribe to a topic filter. The subscription is restored on every reconnect.
// A nil handler sends the matching messages to the default handler.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	if err := c.router.add(filter, qos, handler); err != nil {
		return err
	}
	c.unsubscribes.Remove(filter)
	if !c.IsConnected() {
		return nil
	}
	subscribe := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	subscribe.Topics = []string{filter}
	subscribe.Qoss = []byte{qos}

	// The worker removes the binding when the broker refuses it
	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()
	return c.request(ctx, subscribe)
}

// Unsubscribe from a topic filter. With a persistent session, a filter removed while offline
// is unsubscribed at the broker after the next connect.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	if !c.router.remove(filter) {
		return nil
	}
	if !c.config.CleanSession {
		c.unsubscribes.Add(filter)
	}
	if !c.IsConnected() {
		return nil
	}
	c.unsubscribes.Remove(filter)
	unsubscribe := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	unsubscribe.Topics = []string{filter}

	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()
	err := c.request(ctx, unsubscribe)
	if err != nil && !c.config.CleanSession {
		c.unsubscribes.Add(filter)
	}
	return err
}

// request posts a packet to the worker and waits for the result
func (c *Client) request(ctx context.Context, p packets.ControlPacket) error {
	tag, result, err := c.newWaiter()
	if err != nil {
		return err
	}
	defer c.dropWaiter(tag)
	if err := c.mailbox.Post(command{tag: tag, packet: p}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Client) newWaiter() (uint16, chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < 65535; i++ {
		c.lastTag++
		if c.lastTag == 0 {
			c.lastTag = 1
		}
		if _, used := c.waiters[c.lastTag]; used {
			continue
		}
		result := make(chan error, 1)
		c.waiters[c.lastTag] = result
		return c.lastTag, result, nil
	}
	return 0, nil, ErrTooManyRequests
}

func (c *Client) dropWaiter(tag uint16) {
	c.mu.Lock()
	delete(c.waiters, tag)
	c.mu.Unlock()
}

// complete reports the result of a request to the goroutine that waits for it
func (c *Client) complete(tag uint16, err error) {
	if tag == 0 {
		return
	}
	c.mu.Lock()
	result, ok := c.waiters[tag]
	delete(c.waiters, tag)
	c.mu.Unlock()
	if ok {
		result <- err
	}
}

func (c *Client) readMailbox() {
	for {
		cmd, err := c.mailbox.Next()
		if err != nil {
			if err != ErrStopped {
				c.ctx.WithError(err).Error("Could not read from mailbox")
			}
			return
		}
		select {
		case c.commands <- cmd:
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliver(msg *Message) {
	select {
	case c.deliveries <- msg:
	default:
		droppedCounter.Inc()
		c.ctx.WithField("Topic", msg.Topic).Warn("Could not handle message: buffer full")
	}
}

func (c *Client) dispatch() {
	for {
		select {
		case msg := <-c.deliveries:
			if handler := c.router.match(msg.Topic); handler != nil {
				handler(msg)
			} else {
				c.ctx.WithField("Topic", msg.Topic).Warn("Received unhandled message")
			}
		case <-c.done:
			return
		}
	}
}
