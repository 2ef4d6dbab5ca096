// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import "sync"

// Memory implements the session store in memory
type Memory struct {
	mu      sync.RWMutex
	packets map[uint16][]byte
}

// NewMemory returns a new session store that keeps packets in memory
func NewMemory() Interface {
	return &Memory{
		packets: make(map[uint16][]byte),
	}
}

// Put stores a copy of the packet
func (m *Memory) Put(id uint16, packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets[id] = append([]byte(nil), packet...)
	return nil
}

// Get a packet
func (m *Memory) Get(id uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	packet, ok := m.packets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), packet...), nil
}

// Delete a packet
func (m *Memory) Delete(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.packets, id)
	return nil
}

// All packets
func (m *Memory) All() (map[uint16][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make(map[uint16][]byte, len(m.packets))
	for id, packet := range m.packets {
		all[id] = append([]byte(nil), packet...)
	}
	return all, nil
}

// Reset the store
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = make(map[uint16][]byte)
	return nil
}
