// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package sink

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/TheThingsNetwork/telemetry-client/client"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/streadway/amqp"
)

func TestAMQP(t *testing.T) {
	host := os.Getenv("AMQP_ADDRESS")

	Convey("Given a new AMQP sink", t, func(c C) {
		if host == "" {
			SkipConvey("AMQP_ADDRESS is not set", func() {})
			return
		}

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		config := AMQPConfig{
			Address:      host,
			Username:     "guest",
			Password:     "guest",
			ExchangeName: "amq.topic",
		}
		sink := NewAMQP(config, ctx)
		So(sink.Connect(), ShouldBeNil)
		defer sink.Disconnect()

		conn, err := amqp.Dial(config.url())
		So(err, ShouldBeNil)
		defer conn.Close()
		ch, err := conn.Channel()
		So(err, ShouldBeNil)
		queue, err := ch.QueueDeclare(fmt.Sprintf("test-sink-%d", time.Now().UnixNano()), false, true, true, false, nil)
		So(err, ShouldBeNil)
		So(ch.QueueBind(queue.Name, "sensors.#", "amq.topic", false, nil), ShouldBeNil)
		deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
		So(err, ShouldBeNil)

		Convey("When handling a message", func() {
			err := sink.Handle(&client.Message{Topic: "sensors/temperature", Payload: []byte("21.5"), QoS: 1})
			So(err, ShouldBeNil)
			Convey("It should be published with the topic as routing key", func() {
				select {
				case <-time.After(2 * time.Second):
					So("Timeout Exceeded", ShouldBeFalse)
				case d := <-deliveries:
					So(d.RoutingKey, ShouldEqual, "sensors.temperature")
					So(d.Body, ShouldResemble, []byte("21.5"))
				}
			})
		})
	})
}
