// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
)

// maxDatagramSize is the largest UDP payload over IPv4
const maxDatagramSize = 65507

type udpMailbox struct {
	in     *net.UDPConn
	out    *net.UDPConn
	mu     sync.Mutex
	buf    []byte
	closed int32
}

func newUDPMailbox() (*udpMailbox, error) {
	in, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	in.SetReadBuffer(1 << 20)
	out, err := net.DialUDP("udp4", nil, in.LocalAddr().(*net.UDPAddr))
	if err != nil {
		in.Close()
		return nil, err
	}
	return &udpMailbox{in: in, out: out, buf: make([]byte, maxDatagramSize)}, nil
}

func (m *udpMailbox) Post(cmd command) error {
	if atomic.LoadInt32(&m.closed) == 1 {
		return ErrStopped
	}
	data, err := cmd.encode()
	if err != nil {
		return err
	}
	if len(data) > maxDatagramSize {
		return ErrPacketTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.out.Write(data); err != nil {
		if atomic.LoadInt32(&m.closed) == 1 {
			return ErrStopped
		}
		return err
	}
	return nil
}

// Next skips datagrams that do not come from our own sending socket and
// datagrams that do not hold a complete command.
func (m *udpMailbox) Next() (command, error) {
	local := m.out.LocalAddr().(*net.UDPAddr)
	for {
		n, addr, err := m.in.ReadFromUDP(m.buf)
		if err != nil {
			if atomic.LoadInt32(&m.closed) == 1 {
				return command{}, ErrStopped
			}
			return command{}, err
		}
		if !addr.IP.Equal(local.IP) || addr.Port != local.Port {
			continue
		}
		cmd, err := decodeCommand(bytes.NewReader(m.buf[:n]))
		if err != nil {
			continue
		}
		return cmd, nil
	}
}

func (m *udpMailbox) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return nil
	}
	m.out.Close()
	return m.in.Close()
}
