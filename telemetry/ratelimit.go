// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/go-utils/rate"
	redis "gopkg.in/redis.v5"
)

// ErrRateLimited is returned if the rate limit of a channel has been reached
var ErrRateLimited = errors.New("rate limit reached")

// NewRateLimit returns a per-channel publish rate limit that counts in memory
func NewRateLimit() *RateLimit {
	return &RateLimit{
		limiters: make(map[string]rate.Limiter),
	}
}

// NewRedisRateLimit returns a per-channel publish rate limit that counts in Redis,
// so that the limit holds across restarts and multiple instances
func NewRedisRateLimit(client *redis.Client) *RateLimit {
	l := NewRateLimit()
	l.client = client
	return l
}

// RateLimit publishes per channel
type RateLimit struct {
	client *redis.Client

	mu       sync.Mutex
	limiters map[string]rate.Limiter
}

func (l *RateLimit) get(channel Channel) rate.Limiter {
	key := fmt.Sprintf("%s:%d", channel.Name, channel.Limit)
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}
	var counter rate.Counter
	if l.client != nil {
		counter = rate.NewRedisCounter(l.client, fmt.Sprintf("ratelimit:%s", channel.Name), time.Second, time.Minute)
	} else {
		counter = rate.NewCounter(time.Second, time.Minute)
	}
	limiter := rate.NewLimiter(counter, time.Minute, uint64(channel.Limit))
	l.limiters[key] = limiter
	return limiter
}

// Check returns ErrRateLimited when the channel published its limit in the last minute
func (l *RateLimit) Check(channel Channel) error {
	if l == nil || channel.Limit <= 0 {
		return nil
	}
	limit, err := l.get(channel).Limit()
	if err != nil {
		return err
	}
	if limit {
		return ErrRateLimited
	}
	return nil
}
