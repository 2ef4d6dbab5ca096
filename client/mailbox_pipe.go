// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

type pipeMailbox struct {
	mu     sync.Mutex
	w      net.Conn
	r      net.Conn
	closed int32
}

func newPipeMailbox() *pipeMailbox {
	r, w := net.Pipe()
	return &pipeMailbox{r: r, w: w}
}

func (m *pipeMailbox) Post(cmd command) error {
	if atomic.LoadInt32(&m.closed) == 1 {
		return ErrStopped
	}
	data, err := cmd.encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(data); err != nil {
		if atomic.LoadInt32(&m.closed) == 1 || err == io.ErrClosedPipe {
			return ErrStopped
		}
		return err
	}
	return nil
}

func (m *pipeMailbox) Next() (command, error) {
	cmd, err := decodeCommand(m.r)
	if err != nil && (atomic.LoadInt32(&m.closed) == 1 || err == io.EOF || err == io.ErrClosedPipe) {
		return cmd, ErrStopped
	}
	return cmd, err
}

func (m *pipeMailbox) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return nil
	}
	m.w.Close()
	return m.r.Close()
}
