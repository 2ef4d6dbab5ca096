// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package telemetry

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Reading of a sensor
type Reading struct {
	Sensor string
	Value  float64
	Unit   string
	Time   time.Time
}

// Sensor can be read
type Sensor interface {
	Name() string
	Read() (Reading, error)
}

// NewSimulated returns a sensor that walks randomly between min and max
func NewSimulated(name, unit string, min, max float64) *Simulated {
	return &Simulated{
		name:  name,
		unit:  unit,
		min:   min,
		max:   max,
		step:  (max - min) / 50,
		value: (min + max) / 2,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Simulated sensor
type Simulated struct {
	name, unit     string
	min, max, step float64

	mu    sync.Mutex
	value float64
	rand  *rand.Rand
}

// Name of the sensor
func (s *Simulated) Name() string { return s.name }

// Read the next value of the random walk
func (s *Simulated) Read() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += (s.rand.Float64()*2 - 1) * s.step
	if s.value < s.min {
		s.value = s.min
	}
	if s.value > s.max {
		s.value = s.max
	}
	return Reading{Sensor: s.name, Value: s.value, Unit: s.unit, Time: time.Now()}, nil
}

// ThermalZoneFormat is the sysfs location of Linux thermal zones
var ThermalZoneFormat = "/sys/class/thermal/thermal_zone%d/temp"

// NewThermal returns a sensor that reads a Linux thermal zone
func NewThermal(name string, zone int) *Thermal {
	return &Thermal{
		name: name,
		path: fmt.Sprintf(ThermalZoneFormat, zone),
	}
}

// Thermal sensor reports the temperature of a thermal zone in degrees Celsius
type Thermal struct {
	name string
	path string
}

// Name of the sensor
func (t *Thermal) Name() string { return t.name }

// Read the thermal zone. The kernel reports millidegrees.
func (t *Thermal) Read() (Reading, error) {
	data, err := ioutil.ReadFile(t.path)
	if err != nil {
		return Reading{}, err
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("thermal: %w", err)
	}
	return Reading{Sensor: t.name, Value: milli / 1000, Unit: "Cel", Time: time.Now()}, nil
}
