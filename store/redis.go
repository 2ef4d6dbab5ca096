// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import (
	"strconv"

	redis "gopkg.in/redis.v5"
)

// Redis implements the session store with a Redis hash per client
type Redis struct {
	key    string
	client *redis.Client
}

// DefaultRedisPrefix is used as prefix when no prefix is given
var DefaultRedisPrefix = "mqtt:session:"

// NewRedis returns a new session store for the given client id with a Redis backend
func NewRedis(client *redis.Client, prefix string, clientID string) Interface {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		key:    prefix + clientID,
	}
}

func field(id uint16) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Put stores the packet
func (r *Redis) Put(id uint16, packet []byte) error {
	return r.client.HSet(r.key, field(id), string(packet)).Err()
}

// Get a packet
func (r *Redis) Get(id uint16) ([]byte, error) {
	packet, err := r.client.HGet(r.key, field(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return packet, nil
}

// Delete a packet
func (r *Redis) Delete(id uint16) error {
	return r.client.HDel(r.key, field(id)).Err()
}

// All packets
func (r *Redis) All() (map[uint16][]byte, error) {
	res, err := r.client.HGetAll(r.key).Result()
	if err == redis.Nil {
		return map[uint16][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	all := make(map[uint16][]byte, len(res))
	for f, packet := range res {
		id, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			continue
		}
		all[uint16(id)] = []byte(packet)
	}
	return all, nil
}

// Reset removes the session of this client
func (r *Redis) Reset() error {
	return r.client.Del(r.key).Err()
}
