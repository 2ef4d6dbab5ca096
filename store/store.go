// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import "errors"

// Interface for the session store of an MQTT client. It keeps the encoded
// outbound packets that wait for an acknowledgement, by packet id.
type Interface interface {
	Put(id uint16, packet []byte) error
	Get(id uint16) ([]byte, error)
	Delete(id uint16) error
	// All returns every stored packet by packet id
	All() (map[uint16][]byte, error)
	// Reset removes all packets
	Reset() error
}

// ErrNotFound is returned when a packet was not found
var ErrNotFound = errors.New("Packet not found")
