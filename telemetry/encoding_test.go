// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestEncoding(t *testing.T) {
	reading := Reading{
		Sensor: "temperature",
		Value:  21.5,
		Unit:   "Cel",
		Time:   time.Date(2019, 5, 16, 12, 0, 0, 0, time.UTC),
	}

	Convey("When encoding a reading as JSON", t, func() {
		payload, err := Encode(FormatJSON, reading)
		So(err, ShouldBeNil)
		Convey("The payload should have the reading fields", func() {
			var fields map[string]interface{}
			So(json.Unmarshal(payload, &fields), ShouldBeNil)
			So(fields["sensor"], ShouldEqual, "temperature")
			So(fields["value"], ShouldEqual, 21.5)
			So(fields["time"], ShouldEqual, "2019-05-16T12:00:00Z")
		})
		Convey("It should decode to the same reading", func() {
			decoded, err := Decode(FormatJSON, payload)
			So(err, ShouldBeNil)
			So(decoded.Time.Equal(reading.Time), ShouldBeTrue)
			decoded.Time = reading.Time
			So(decoded, ShouldResemble, reading)
		})
	})

	Convey("When encoding a reading as protobuf", t, func() {
		payload, err := Encode(FormatProto, reading)
		So(err, ShouldBeNil)
		Convey("It should decode to the same reading", func() {
			decoded, err := Decode(FormatProto, payload)
			So(err, ShouldBeNil)
			So(decoded.Value, ShouldEqual, 21.5)
			So(decoded.Sensor, ShouldEqual, "temperature")
			So(decoded.Time.Equal(reading.Time), ShouldBeTrue)
		})
	})

	Convey("When using an unknown format", t, func() {
		_, err := Encode("xml", reading)
		So(err, ShouldNotBeNil)
		_, err = Decode("xml", nil)
		So(err, ShouldNotBeNil)
	})
}
