// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func dial(ctx context.Context, broker *Broker, tlsConfig *tls.Config) (net.Conn, error) {
	if broker.IsWebSocket() {
		return dialWebSocket(ctx, broker, tlsConfig)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", broker.Address)
	if err != nil {
		return nil, err
	}
	if !broker.IsTLS() {
		return conn, nil
	}
	tlsConn := tls.Client(conn, tlsConfigFor(broker, tlsConfig))
	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

func tlsConfigFor(broker *Broker, config *tls.Config) *tls.Config {
	if config == nil {
		config = &tls.Config{}
	} else {
		config = config.Clone()
	}
	if config.ServerName == "" {
		config.ServerName = broker.Host
	}
	return config
}

func dialWebSocket(ctx context.Context, broker *Broker, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:        http.ProxyFromEnvironment,
		Subprotocols: []string{"mqtt"},
	}
	if broker.IsTLS() {
		dialer.TLSClientConfig = tlsConfigFor(broker, tlsConfig)
	}
	ws, _, err := dialer.DialContext(ctx, broker.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: ws}, nil
}

// wsConn carries the MQTT byte stream in binary WebSocket messages
type wsConn struct {
	*websocket.Conn
	r  io.Reader
	mu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
