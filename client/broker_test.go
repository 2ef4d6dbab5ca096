// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gorilla/websocket"
)

// testBroker is a minimal MQTT broker that records everything it receives
type testBroker struct {
	listener net.Listener
	packets  chan packets.ControlPacket
	connects int32

	mu            sync.Mutex
	conns         map[net.Conn]struct{}
	connackCode   byte
	ignorePings   bool
	holdAcks      bool
	holdPubcomp   bool
	refuse        string
	subscriptions []string
	lastID        uint16
}

func newTestBroker() *testBroker {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	b := &testBroker{
		listener: listener,
		packets:  make(chan packets.ControlPacket, 1000),
		conns:    make(map[net.Conn]struct{}),
	}
	go b.accept()
	return b
}

func (b *testBroker) URI() string {
	return "tcp://" + b.listener.Addr().String()
}

func (b *testBroker) Connects() int {
	return int(atomic.LoadInt32(&b.connects))
}

func (b *testBroker) set(f func(b *testBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func (b *testBroker) accept() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()
		go b.serve(conn)
	}
}

// webSocketHandler serves MQTT over WebSocket with the same broker state
func (b *testBroker) webSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &wsConn{Conn: ws}
		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()
		b.serve(conn)
	})
}

// Kick closes all client connections
func (b *testBroker) Kick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
		delete(b.conns, conn)
	}
}

func (b *testBroker) Close() {
	b.listener.Close()
	b.Kick()
}

// Send a packet to all connected clients
func (b *testBroker) Send(p packets.ControlPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		p.Write(conn)
	}
}

func (b *testBroker) write(conn net.Conn, p packets.ControlPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Write(conn)
}

// WaitFor returns the first received packet that matches, or nil after the timeout
func (b *testBroker) WaitFor(match func(packets.ControlPacket) bool, timeout time.Duration) packets.ControlPacket {
	deadline := time.After(timeout)
	for {
		select {
		case p := <-b.packets:
			if match(p) {
				return p
			}
		case <-deadline:
			return nil
		}
	}
}

func isType(messageType string) func(packets.ControlPacket) bool {
	return func(p packets.ControlPacket) bool {
		return packetType(p) == messageType
	}
}

func (b *testBroker) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
	}()
	for {
		p, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		select {
		case b.packets <- p:
		default:
		}

		b.mu.Lock()
		connackCode, ignorePings, holdAcks, holdPubcomp, refuse := b.connackCode, b.ignorePings, b.holdAcks, b.holdPubcomp, b.refuse
		b.mu.Unlock()

		switch p := p.(type) {
		case *packets.ConnectPacket:
			atomic.AddInt32(&b.connects, 1)
			connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			connack.ReturnCode = connackCode
			b.write(conn, connack)
			if connackCode != 0 {
				return
			}
		case *packets.SubscribePacket:
			suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			suback.MessageID = p.MessageID
			for i, filter := range p.Topics {
				if filter == refuse {
					suback.ReturnCodes = append(suback.ReturnCodes, 0x80)
					continue
				}
				suback.ReturnCodes = append(suback.ReturnCodes, p.Qoss[i])
				b.mu.Lock()
				b.subscriptions = append(b.subscriptions, filter)
				b.mu.Unlock()
			}
			b.write(conn, suback)
		case *packets.UnsubscribePacket:
			b.mu.Lock()
			for _, filter := range p.Topics {
				for i, subscription := range b.subscriptions {
					if subscription == filter {
						b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
						break
					}
				}
			}
			b.mu.Unlock()
			unsuback := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			unsuback.MessageID = p.MessageID
			b.write(conn, unsuback)
		case *packets.PublishPacket:
			if holdAcks {
				continue
			}
			switch p.Qos {
			case 1:
				puback := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				puback.MessageID = p.MessageID
				b.write(conn, puback)
			case 2:
				pubrec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
				pubrec.MessageID = p.MessageID
				b.write(conn, pubrec)
			}
			b.forward(conn, p)
		case *packets.PubrelPacket:
			if holdPubcomp {
				continue
			}
			pubcomp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
			pubcomp.MessageID = p.MessageID
			b.write(conn, pubcomp)
		case *packets.PubrecPacket:
			pubrel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
			pubrel.MessageID = p.MessageID
			b.write(conn, pubrel)
		case *packets.PingreqPacket:
			if !ignorePings {
				b.write(conn, packets.NewControlPacket(packets.Pingresp))
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

// forward a publish back to the client when it subscribed to the topic
func (b *testBroker) forward(conn net.Conn, p *packets.PublishPacket) {
	b.mu.Lock()
	var matched bool
	for _, filter := range b.subscriptions {
		if MatchTopic(filter, p.TopicName) {
			matched = true
			break
		}
	}
	b.lastID++
	id := b.lastID
	b.mu.Unlock()
	if !matched {
		return
	}
	publish := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publish.TopicName = p.TopicName
	publish.Qos = p.Qos
	publish.Retain = p.Retain
	publish.Payload = p.Payload
	if publish.Qos > 0 {
		publish.MessageID = id
	}
	b.write(conn, publish)
}
