// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package status keeps the rates and connection state of the telemetry client
// and serves them over HTTP and as a gRPC health service.
package status

import (
	"sync"
	"sync/atomic"

	metrics "github.com/rcrowley/go-metrics"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the MQTT session
const ServiceName = "mqtt"

var global = newStatus()

func newStatus() *status {
	s := &status{
		published:   metrics.NewMeter(),
		received:    metrics.NewMeter(),
		disconnects: metrics.NewCounter(),
		health:      health.NewServer(),
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

type status struct {
	keysMu     sync.RWMutex
	accessKeys []string

	published   metrics.Meter
	received    metrics.Meter
	disconnects metrics.Counter
	connected   int32
	health      *health.Server
}

// Rates of a meter
type Rates struct {
	Count  int64   `json:"count"`
	Rate1  float64 `json:"rate_1"`
	Rate5  float64 `json:"rate_5"`
	Rate15 float64 `json:"rate_15"`
}

// Response is the status of the client
type Response struct {
	Connected   bool  `json:"connected"`
	Disconnects int64 `json:"disconnects"`
	Published   Rates `json:"published"`
	Received    Rates `json:"received"`
}

func rates(m metrics.Meter) Rates {
	snapshot := m.Snapshot()
	return Rates{
		Count:  snapshot.Count(),
		Rate1:  snapshot.Rate1(),
		Rate5:  snapshot.Rate5(),
		Rate15: snapshot.Rate15(),
	}
}

func (s *status) getStatus() *Response {
	return &Response{
		Connected:   atomic.LoadInt32(&s.connected) == 1,
		Disconnects: s.disconnects.Count(),
		Published:   rates(s.published),
		Received:    rates(s.received),
	}
}

// GetStatus returns the status of the default status
func GetStatus() *Response {
	return global.getStatus()
}

// AddAccessKey adds a key that clients must present to read the status
func AddAccessKey(key string) {
	global.addAccessKey(key)
}

func (s *status) addAccessKey(key string) {
	if key == "" {
		return
	}
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	s.accessKeys = append(s.accessKeys, key)
}

func (s *status) allowed(key string) bool {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	if len(s.accessKeys) == 0 {
		return true
	}
	for _, allowed := range s.accessKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

// Published registers a published message
func Published() {
	global.published.Mark(1)
}

// Received registers a received message
func Received() {
	global.received.Mark(1)
}

func (s *status) online() {
	atomic.StoreInt32(&s.connected, 1)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Online registers that the MQTT session is up
func Online() {
	global.online()
}

func (s *status) offline() {
	if atomic.SwapInt32(&s.connected, 0) == 1 {
		s.disconnects.Inc(1)
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Offline registers that the MQTT session is down
func Offline() {
	global.offline()
}
