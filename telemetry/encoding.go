// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
)

// Payload formats
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

type jsonReading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	Time   string  `json:"time"`
}

// Encode a reading in the given format
func Encode(format string, reading Reading) ([]byte, error) {
	timestamp := reading.Time.UTC().Format(time.RFC3339Nano)
	switch format {
	case FormatJSON, "":
		return json.Marshal(jsonReading{
			Sensor: reading.Sensor,
			Value:  reading.Value,
			Unit:   reading.Unit,
			Time:   timestamp,
		})
	case FormatProto:
		return proto.Marshal(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"sensor": {Kind: &structpb.Value_StringValue{StringValue: reading.Sensor}},
				"value":  {Kind: &structpb.Value_NumberValue{NumberValue: reading.Value}},
				"unit":   {Kind: &structpb.Value_StringValue{StringValue: reading.Unit}},
				"time":   {Kind: &structpb.Value_StringValue{StringValue: timestamp}},
			},
		})
	}
	return nil, fmt.Errorf("telemetry: unknown format %q", format)
}

// Decode a payload in the given format
func Decode(format string, payload []byte) (reading Reading, err error) {
	var timestamp string
	switch format {
	case FormatJSON, "":
		var r jsonReading
		if err = json.Unmarshal(payload, &r); err != nil {
			return
		}
		reading = Reading{Sensor: r.Sensor, Value: r.Value, Unit: r.Unit}
		timestamp = r.Time
	case FormatProto:
		var s structpb.Struct
		if err = proto.Unmarshal(payload, &s); err != nil {
			return
		}
		fields := s.GetFields()
		reading = Reading{
			Sensor: fields["sensor"].GetStringValue(),
			Value:  fields["value"].GetNumberValue(),
			Unit:   fields["unit"].GetStringValue(),
		}
		timestamp = fields["time"].GetStringValue()
	default:
		return reading, fmt.Errorf("telemetry: unknown format %q", format)
	}
	if timestamp != "" {
		reading.Time, err = time.Parse(time.RFC3339Nano, timestamp)
	}
	return
}
