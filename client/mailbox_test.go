// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMailbox(t *testing.T) {
	for _, kind := range []string{MailboxPipe, MailboxUDP} {
		Convey("Given a new "+kind+" mailbox", t, func() {
			m, err := newMailbox(kind)
			So(err, ShouldBeNil)
			defer m.Close()

			Convey("When posting a publish command", func() {
				publish := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
				publish.TopicName = "sensors/temperature"
				publish.Payload = []byte("21.5")
				go m.Post(command{tag: 7, packet: publish})

				Convey("Next returns the command with its tag", func() {
					cmd, err := m.Next()
					So(err, ShouldBeNil)
					So(cmd.tag, ShouldEqual, 7)
					received, ok := cmd.packet.(*packets.PublishPacket)
					So(ok, ShouldBeTrue)
					So(received.TopicName, ShouldEqual, "sensors/temperature")
					So(received.Payload, ShouldResemble, []byte("21.5"))
				})
			})

			Convey("When posting the stop sentinel", func() {
				go m.Post(command{packet: packets.NewControlPacket(packets.Disconnect)})
				Convey("Next returns a DISCONNECT", func() {
					cmd, err := m.Next()
					So(err, ShouldBeNil)
					_, ok := cmd.packet.(*packets.DisconnectPacket)
					So(ok, ShouldBeTrue)
				})
			})

			Convey("When the mailbox is closed", func() {
				So(m.Close(), ShouldBeNil)
				Convey("Post fails", func() {
					So(m.Post(command{packet: packets.NewControlPacket(packets.Pingreq)}), ShouldEqual, ErrStopped)
				})
				Convey("Next fails", func() {
					_, err := m.Next()
					So(err, ShouldEqual, ErrStopped)
				})
			})
		})
	}

	Convey("Given a new udp mailbox", t, func() {
		m, err := newUDPMailbox()
		So(err, ShouldBeNil)
		defer m.Close()

		Convey("Commands larger than a datagram are refused", func() {
			publish := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
			publish.TopicName = "large"
			publish.Payload = make([]byte, maxDatagramSize)
			So(m.Post(command{packet: publish}), ShouldEqual, ErrPacketTooLarge)
		})

		Convey("Datagrams from other sockets are ignored", func() {
			other, err := net.DialUDP("udp4", nil, m.in.LocalAddr().(*net.UDPAddr))
			So(err, ShouldBeNil)
			defer other.Close()
			data, _ := command{tag: 1, packet: packets.NewControlPacket(packets.Pingreq)}.encode()
			other.Write(data)
			time.Sleep(10 * time.Millisecond)
			go m.Post(command{tag: 2, packet: packets.NewControlPacket(packets.Pingreq)})

			cmd, err := m.Next()
			So(err, ShouldBeNil)
			So(cmd.tag, ShouldEqual, 2)
		})
	})
}
