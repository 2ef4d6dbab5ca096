// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type testPublisher struct {
	mu       sync.Mutex
	err      error
	messages chan published
}

func (p *testPublisher) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case p.messages <- published{topic, qos, retained, payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTelemetry(t *testing.T) {
	Convey("Given a new Telemetry", t, func(c C) {
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

		publisher := &testPublisher{messages: make(chan published, 100)}
		tm := New(publisher, Config{
			Sensors: map[string]Sensor{
				"temperature": NewSimulated("temperature", "Cel", 20, 20),
			},
			Format:    FormatJSON,
			RateLimit: NewRateLimit(),
		}, ctx)

		channel := Channel{
			Name:     "temperature",
			Sensor:   "temperature",
			Topic:    "telemetry/temperature",
			Interval: 10 * time.Millisecond,
			QoS:      1,
			Retain:   true,
			Limit:    1,
		}

		Convey("When publishing a channel once", func() {
			err := tm.PublishOnce(context.Background(), channel)
			So(err, ShouldBeNil)
			Convey("The reading should be published", func() {
				msg := <-publisher.messages
				So(msg.topic, ShouldEqual, "telemetry/temperature")
				So(msg.qos, ShouldEqual, 1)
				So(msg.retained, ShouldBeTrue)
				reading, err := Decode(FormatJSON, msg.payload)
				So(err, ShouldBeNil)
				So(reading.Value, ShouldEqual, 20)
				So(tm.Published(), ShouldEqual, 1)
			})
			Convey("The next publish should be rate limited", func() {
				So(tm.PublishOnce(context.Background(), channel), ShouldEqual, ErrRateLimited)
			})
		})

		Convey("When the sensor is unknown", func() {
			channel.Sensor = "pressure"
			So(tm.PublishOnce(context.Background(), channel), ShouldNotBeNil)
		})

		Convey("When the publisher fails", func() {
			publisher.err = errors.New("mqtt: not connected")
			So(tm.PublishOnce(context.Background(), channel), ShouldEqual, publisher.err)
			So(tm.Published(), ShouldEqual, 0)
		})

		Convey("When running the channels", func() {
			channel.Limit = 0
			updates := make(chan []Channel, 1)
			runCtx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				tm.Run(runCtx, []Channel{channel}, updates)
				close(done)
			}()
			defer func() {
				cancel()
				<-done
			}()

			Convey("Readings should be published periodically", func() {
				for i := 0; i < 3; i++ {
					select {
					case <-time.After(time.Second):
						So("Timeout Exceeded", ShouldBeFalse)
					case msg := <-publisher.messages:
						So(msg.topic, ShouldEqual, "telemetry/temperature")
					}
				}
			})

			Convey("When the channels are updated", func() {
				updated := channel
				updated.Topic = "telemetry/updated"
				updates <- []Channel{updated}
				Convey("Readings should be published on the new topic", func() {
					deadline := time.After(time.Second)
					for {
						select {
						case <-deadline:
							So("Timeout Exceeded", ShouldBeFalse)
							return
						case msg := <-publisher.messages:
							if msg.topic == "telemetry/updated" {
								return
							}
						}
					}
				})
			})
		})
	})
}
