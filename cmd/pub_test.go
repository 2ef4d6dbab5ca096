// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/eclipse/paho.mqtt.golang/packets"
	. "github.com/smartystreets/goconvey/convey"
)

// recordingBroker accepts every connection and records the packets it receives
type recordingBroker struct {
	listener net.Listener
	received chan packets.ControlPacket
}

func newRecordingBroker() *recordingBroker {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	b := &recordingBroker{
		listener: listener,
		received: make(chan packets.ControlPacket, 100),
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go b.serve(conn)
		}
	}()
	return b
}

func (b *recordingBroker) serve(conn net.Conn) {
	defer conn.Close()
	for {
		p, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		b.received <- p
		switch p.(type) {
		case *packets.ConnectPacket:
			packets.NewControlPacket(packets.Connack).Write(conn)
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (b *recordingBroker) disconnected(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case p := <-b.received:
			if _, ok := p.(*packets.DisconnectPacket); ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestPublishOnce(t *testing.T) {
	Convey("Given a broker and a new client", t, func(c C) {
		var logs bytes.Buffer
		logger := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		broker := newRecordingBroker()
		defer broker.listener.Close()

		mqtt, err := client.New(client.Config{
			URI:          "tcp://" + broker.listener.Addr().String(),
			ClientID:     "pub-test",
			CleanSession: true,
		}, logger)
		So(err, ShouldBeNil)

		Convey("When publishing a message", func() {
			err := publishOnce(mqtt, time.Second, "sensors/temperature", 0, false, []byte("21"))
			So(err, ShouldBeNil)
			Convey("The client should disconnect after publishing", func() {
				So(broker.disconnected(time.Second), ShouldBeTrue)
				So(mqtt.IsConnected(), ShouldBeFalse)
			})
		})

		Convey("When publishing fails", func() {
			err := publishOnce(mqtt, time.Second, "sensors/+", 0, false, []byte("21"))
			So(err, ShouldEqual, client.ErrInvalidTopic)
			Convey("The client should still disconnect", func() {
				So(broker.disconnected(time.Second), ShouldBeTrue)
				So(mqtt.IsConnected(), ShouldBeFalse)
			})
		})
	})

	Convey("Given a broker that cannot be reached", t, func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		So(err, ShouldBeNil)
		address := listener.Addr().String()
		listener.Close()

		mqtt, err := client.New(client.Config{URI: "tcp://" + address, ClientID: "pub-test"}, &log.Logger{
			Handler: text.New(&bytes.Buffer{}),
		})
		So(err, ShouldBeNil)

		Convey("Publishing should fail once the timeout expires", func() {
			So(publishOnce(mqtt, 200*time.Millisecond, "sensors/temperature", 0, false, nil), ShouldEqual, errOffline)
			So(mqtt.IsConnected(), ShouldBeFalse)
		})
	})
}
