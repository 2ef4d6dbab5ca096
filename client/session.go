// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// session holds the state of one connection to the broker. It is owned by the worker.
type session struct {
	conn          net.Conn
	reader        *bufio.Reader
	maxPacketSize int
	writeTimeout  time.Duration

	inbound   chan packets.ControlPacket
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once

	keepAlive   time.Duration
	idle        *watchdog
	idleExpired chan struct{}

	ping        *watchdog
	pingGen     uint64
	pingExpired chan uint64
}

func newSession(conn net.Conn, config Config) *session {
	s := &session{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		maxPacketSize: config.MaxPacketSize,
		writeTimeout:  config.ConnectTimeout,
		inbound:       make(chan packets.ControlPacket),
		readErr:       make(chan error, 1),
		closed:        make(chan struct{}),
		keepAlive:     config.KeepAlive,
		idleExpired:   make(chan struct{}, 1),
		pingExpired:   make(chan uint64, 1),
	}
	if s.keepAlive > 0 {
		s.idle = newWatchdog(s.keepAlive, func() {
			select {
			case s.idleExpired <- struct{}{}:
			default:
			}
		})
	}
	return s
}

// readLoop turns blocking reads into events for the worker
func (s *session) readLoop() {
	for {
		p, err := s.readPacket()
		if err != nil {
			s.readErr <- err
			return
		}
		select {
		case s.inbound <- p:
		case <-s.closed:
			return
		}
	}
}

func (s *session) readPacket() (packets.ControlPacket, error) {
	length, err := s.peekRemainingLength()
	if err != nil {
		return nil, err
	}
	if length > s.maxPacketSize {
		return nil, fmt.Errorf("%w: received %d bytes", ErrPacketTooLarge, length)
	}
	return packets.ReadPacket(s.reader)
}

// peekRemainingLength decodes the variable length of the next packet without consuming it
func (s *session) peekRemainingLength() (int, error) {
	var length, multiplier = 0, 1
	for i := 1; i <= 4; i++ {
		header, err := s.reader.Peek(i + 1)
		if err != nil {
			return 0, err
		}
		digit := header[i]
		length += int(digit&0x7f) * multiplier
		if digit&0x80 == 0 {
			return length, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("%w: malformed remaining length", ErrProtocol)
}

func (s *session) write(p packets.ControlPacket) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := p.Write(s.conn); err != nil {
		return err
	}
	registerSent(p)
	if s.idle != nil {
		s.idle.Kick()
	}
	return nil
}

// armPing starts waiting for a PINGRESP. Expiry of an older ping watchdog is ignored.
func (s *session) armPing(timeout time.Duration) {
	s.pingGen++
	gen := s.pingGen
	s.ping = newWatchdog(timeout, func() {
		select {
		case s.pingExpired <- gen:
		default:
		}
	})
}

func (s *session) disarmPing() {
	if s.ping != nil {
		s.ping.Stop()
		s.ping = nil
	}
}

func (s *session) pingOutstanding(gen uint64) bool {
	return s.ping != nil && gen == s.pingGen
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.disarmPing()
		if s.idle != nil {
			s.idle.Stop()
		}
		s.conn.Close()
	})
}
