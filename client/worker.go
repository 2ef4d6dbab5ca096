// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/apex/log"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// flight is an outbound packet that waits for its acknowledgement
type flight struct {
	tag    uint16
	packet packets.ControlPacket
}

// persistent returns true for packets that are resent when a session is resumed
func (f *flight) persistent() bool {
	switch f.packet.(type) {
	case *packets.PublishPacket, *packets.PubrelPacket:
		return true
	}
	return false
}

func (c *Client) run() {
	defer close(c.done)
	for {
		if c.config.OnConnect != nil {
			c.config.OnConnect(c)
		}
		conn, err := c.connect()
		if err != nil {
			c.ctx.WithError(err).Warn("Could not connect to MQTT broker")
		} else {
			err = c.serve(conn)
			if err == ErrStopped {
				return
			}
		}
		if !c.wait(c.config.ReconnectDelay) {
			return
		}
		reconnects.Inc()
	}
}

// wait rejects requests until the delay has passed. It returns false when the client is stopped.
func (c *Client) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-c.quit.Done():
			return false
		case cmd := <-c.commands:
			if _, ok := cmd.packet.(*packets.DisconnectPacket); ok {
				return false
			}
			c.complete(cmd.tag, ErrNotConnected)
		}
	}
}

// serve runs a session until it fails or the client is stopped
func (c *Client) serve(conn net.Conn) (err error) {
	s := newSession(conn, c.config)
	go s.readLoop()
	c.setConnected(true)
	defer func() {
		c.teardown(s, err)
	}()

	if err = c.resume(s); err != nil {
		return err
	}
	if err = c.resubscribe(s); err != nil {
		return err
	}
	if err = c.unsubscribePending(s); err != nil {
		return err
	}
	c.ctx.WithField("SessionPresent", c.SessionPresent()).Info("Connected")
	if c.config.OnOnline != nil {
		go c.config.OnOnline(c)
	}

	for {
		select {
		case p := <-s.inbound:
			registerReceived(p)
			err = c.handleInbound(s, p)
		case err = <-s.readErr:
		case cmd := <-c.commands:
			if _, ok := cmd.packet.(*packets.DisconnectPacket); ok {
				s.write(cmd.packet)
				err = ErrStopped
			} else {
				err = c.handleCommand(s, cmd)
			}
		case <-s.idleExpired:
			err = c.keepAlive(s)
		case gen := <-s.pingExpired:
			if s.pingOutstanding(gen) {
				err = ErrPingTimeout
			}
		case <-c.quit.Done():
			err = ErrStopped
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) teardown(s *session, err error) {
	s.close()
	c.setConnected(false)

	lost := ErrConnectionLost
	if err == ErrStopped {
		lost = ErrStopped
		c.ctx.Info("Disconnected")
	} else {
		c.ctx.WithError(err).Warn("Disconnected. Reconnecting...")
	}
	for id, f := range c.outbound {
		c.complete(f.tag, lost)
		f.tag = 0
		if !c.config.CleanSession && f.persistent() {
			continue
		}
		delete(c.outbound, id)
	}
	if c.config.OnOffline != nil {
		go c.config.OnOffline(c, err)
	}
}

// resume resends the persisted packets of a previous session, or forgets them for a clean session
func (c *Client) resume(s *session) error {
	if c.config.CleanSession {
		c.received.Clear()
		c.outbound = make(map[uint16]*flight)
		if err := c.config.Store.Reset(); err != nil {
			c.ctx.WithError(err).Warn("Could not reset session store")
		}
		return nil
	}
	stored, err := c.config.Store.All()
	if err != nil {
		c.ctx.WithError(err).Warn("Could not load session store")
		return nil
	}
	ids := make([]int, 0, len(stored))
	for id := range stored {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, i := range ids {
		id := uint16(i)
		p, err := packets.ReadPacket(bytes.NewReader(stored[id]))
		if err != nil {
			c.ctx.WithError(err).WithField("PacketID", id).Warn("Could not decode stored packet")
			c.config.Store.Delete(id)
			continue
		}
		if publish, ok := p.(*packets.PublishPacket); ok {
			publish.Dup = true
		}
		c.outbound[id] = &flight{packet: p}
		c.ctx.WithFields(log.Fields{"PacketID": id, "Type": packetType(p)}).Debug("Resend stored packet")
		if err := s.write(p); err != nil {
			return err
		}
	}
	return nil
}

// resubscribe restores all bindings with a single SUBSCRIBE
func (c *Client) resubscribe(s *session) (err error) {
	filters, qoss := c.router.filters()
	if len(filters) == 0 {
		return nil
	}
	subscribe := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	subscribe.Topics = filters
	subscribe.Qoss = qoss
	if subscribe.MessageID, err = c.nextPacketID(); err != nil {
		return err
	}
	c.outbound[subscribe.MessageID] = &flight{packet: subscribe}
	return s.write(subscribe)
}

// unsubscribePending sends one UNSUBSCRIBE for the filters that were removed while offline
func (c *Client) unsubscribePending(s *session) (err error) {
	var filters []string
	for _, filter := range c.unsubscribes.ToSlice() {
		c.unsubscribes.Remove(filter)
		filters = append(filters, filter.(string))
	}
	if len(filters) == 0 {
		return nil
	}
	sort.Strings(filters)
	unsubscribe := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	unsubscribe.Topics = filters
	if unsubscribe.MessageID, err = c.nextPacketID(); err != nil {
		return err
	}
	c.outbound[unsubscribe.MessageID] = &flight{packet: unsubscribe}
	c.ctx.WithField("Filters", filters).Debug("Unsubscribe filters removed while offline")
	return s.write(unsubscribe)
}

func (c *Client) keepAlive(s *session) error {
	defer s.idle.Reset(s.keepAlive)
	if s.ping != nil {
		return nil
	}
	if err := s.write(packets.NewControlPacket(packets.Pingreq)); err != nil {
		return err
	}
	s.armPing(c.config.PingTimeout)
	return nil
}

// nextPacketID returns the next packet id that is not in flight. Ids wrap from 65535 to 1.
func (c *Client) nextPacketID() (uint16, error) {
	for i := 0; i < 65535; i++ {
		c.lastID++
		if c.lastID == 0 {
			c.lastID = 1
		}
		if _, used := c.outbound[c.lastID]; !used {
			return c.lastID, nil
		}
	}
	return 0, ErrNoPacketID
}

func (c *Client) persist(id uint16, p packets.ControlPacket) {
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		c.ctx.WithError(err).Warn("Could not encode packet for session store")
		return
	}
	if err := c.config.Store.Put(id, buf.Bytes()); err != nil {
		c.ctx.WithError(err).WithField("PacketID", id).Warn("Could not store packet")
	}
}

func (c *Client) handleCommand(s *session, cmd command) (err error) {
	switch p := cmd.packet.(type) {
	case *packets.PublishPacket:
		if p.Qos == 0 {
			err = s.write(p)
			c.complete(cmd.tag, err)
			return err
		}
		if p.MessageID, err = c.nextPacketID(); err != nil {
			c.complete(cmd.tag, err)
			return nil
		}
		c.outbound[p.MessageID] = &flight{tag: cmd.tag, packet: p}
		if !c.config.CleanSession {
			c.persist(p.MessageID, p)
		}
		return s.write(p)
	case *packets.SubscribePacket:
		if p.MessageID, err = c.nextPacketID(); err != nil {
			c.complete(cmd.tag, err)
			return nil
		}
		c.outbound[p.MessageID] = &flight{tag: cmd.tag, packet: p}
		return s.write(p)
	case *packets.UnsubscribePacket:
		if p.MessageID, err = c.nextPacketID(); err != nil {
			c.complete(cmd.tag, err)
			return nil
		}
		c.outbound[p.MessageID] = &flight{tag: cmd.tag, packet: p}
		return s.write(p)
	default:
		c.complete(cmd.tag, fmt.Errorf("%w: cannot send %s", ErrProtocol, packetType(p)))
		return nil
	}
}

func (c *Client) handleInbound(s *session, p packets.ControlPacket) error {
	switch p := p.(type) {
	case *packets.PingrespPacket:
		s.disarmPing()
	case *packets.PublishPacket:
		return c.handlePublish(s, p)
	case *packets.PubrelPacket:
		c.received.Remove(p.MessageID)
		pubcomp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
		pubcomp.MessageID = p.MessageID
		return s.write(pubcomp)
	case *packets.PubackPacket:
		c.acknowledge(p.MessageID, p, nil)
	case *packets.PubrecPacket:
		return c.handlePubrec(s, p)
	case *packets.PubcompPacket:
		c.acknowledge(p.MessageID, p, nil)
	case *packets.SubackPacket:
		c.acknowledge(p.MessageID, p, c.refused(p))
	case *packets.UnsubackPacket:
		c.acknowledge(p.MessageID, p, nil)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrProtocol, packetType(p))
	}
	return nil
}

// expects returns true if ack is the acknowledgement that completes the outbound packet
func expects(outbound, ack packets.ControlPacket) bool {
	switch p := outbound.(type) {
	case *packets.PublishPacket:
		_, puback := ack.(*packets.PubackPacket)
		_, pubrec := ack.(*packets.PubrecPacket)
		return (p.Qos == 1 && puback) || (p.Qos == 2 && pubrec)
	case *packets.PubrelPacket:
		_, ok := ack.(*packets.PubcompPacket)
		return ok
	case *packets.SubscribePacket:
		_, ok := ack.(*packets.SubackPacket)
		return ok
	case *packets.UnsubscribePacket:
		_, ok := ack.(*packets.UnsubackPacket)
		return ok
	}
	return false
}

func (c *Client) acknowledge(id uint16, ack packets.ControlPacket, err error) {
	f, ok := c.outbound[id]
	if !ok || !expects(f.packet, ack) {
		c.ctx.WithFields(log.Fields{"PacketID": id, "Type": packetType(ack)}).Warn("Ignore acknowledgement for unknown packet")
		return
	}
	delete(c.outbound, id)
	if f.persistent() && !c.config.CleanSession {
		if err := c.config.Store.Delete(id); err != nil {
			c.ctx.WithError(err).WithField("PacketID", id).Warn("Could not remove packet from session store")
		}
	}
	c.complete(f.tag, err)
}

// refused removes the bindings that the broker refused in a SUBACK
func (c *Client) refused(suback *packets.SubackPacket) (err error) {
	var subscribe *packets.SubscribePacket
	if f, ok := c.outbound[suback.MessageID]; ok {
		subscribe, _ = f.packet.(*packets.SubscribePacket)
	}
	for i, code := range suback.ReturnCodes {
		if code != 0x80 {
			continue
		}
		err = ErrSubscribeRefused
		if subscribe == nil || i >= len(subscribe.Topics) {
			continue
		}
		c.router.remove(subscribe.Topics[i])
		c.ctx.WithField("Filter", subscribe.Topics[i]).Warn("Broker refused subscription")
	}
	return err
}

func (c *Client) handlePubrec(s *session, pubrec *packets.PubrecPacket) error {
	pubrel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	pubrel.MessageID = pubrec.MessageID
	f, ok := c.outbound[pubrec.MessageID]
	if ok && expects(f.packet, pubrec) {
		f.packet = pubrel
		if !c.config.CleanSession {
			c.persist(pubrel.MessageID, pubrel)
		}
	} else {
		// A PUBREL for a forgotten id still lets the broker finish its side
		c.ctx.WithField("PacketID", pubrec.MessageID).Debug("Release unknown packet")
	}
	return s.write(pubrel)
}

func (c *Client) handlePublish(s *session, publish *packets.PublishPacket) error {
	msg := &Message{
		Topic:     publish.TopicName,
		Payload:   publish.Payload,
		QoS:       publish.Qos,
		Retained:  publish.Retain,
		Duplicate: publish.Dup,
		PacketID:  publish.MessageID,
	}
	switch publish.Qos {
	case 0:
		c.deliver(msg)
		return nil
	case 1:
		c.deliver(msg)
		puback := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		puback.MessageID = publish.MessageID
		return s.write(puback)
	case 2:
		if c.received.Add(publish.MessageID) {
			c.deliver(msg)
		} else {
			c.ctx.WithField("PacketID", publish.MessageID).Debug("Ignore duplicate message")
		}
		pubrec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		pubrec.MessageID = publish.MessageID
		return s.write(pubrec)
	}
	return fmt.Errorf("%w: invalid QoS %d", ErrProtocol, publish.Qos)
}
