// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Broker is a parsed broker URI
type Broker struct {
	// Scheme is one of "tcp", "ssl", "ws" or "wss"
	Scheme string
	Host   string
	// Address is host:port, with IPv6 hosts in brackets
	Address string
	// Path is only used for WebSocket brokers
	Path string
}

var schemes = map[string]struct {
	scheme string
	port   string
}{
	"tcp":   {"tcp", "1883"},
	"mqtt":  {"tcp", "1883"},
	"ssl":   {"ssl", "8883"},
	"tls":   {"ssl", "8883"},
	"mqtts": {"ssl", "8883"},
	"ws":    {"ws", "80"},
	"wss":   {"wss", "443"},
}

// ParseURI parses a broker URI such as tcp://localhost:1883 or ssl://[fe80::1]
func ParseURI(uri string) (*Broker, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURI, err)
	}
	scheme, ok := schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURI, uri)
	}
	port := u.Port()
	if port == "" {
		port = scheme.port
	}
	broker := &Broker{
		Scheme:  scheme.scheme,
		Host:    host,
		Address: net.JoinHostPort(host, port),
	}
	if broker.IsWebSocket() {
		broker.Path = u.Path
		if broker.Path == "" {
			broker.Path = "/mqtt"
		}
	}
	return broker, nil
}

// IsWebSocket returns true if MQTT is carried in WebSocket frames
func (b *Broker) IsWebSocket() bool {
	return b.Scheme == "ws" || b.Scheme == "wss"
}

// IsTLS returns true if the connection to the broker is encrypted
func (b *Broker) IsTLS() bool {
	return b.Scheme == "ssl" || b.Scheme == "wss"
}

func (b *Broker) String() string {
	return fmt.Sprintf("%s://%s%s", b.Scheme, b.Address, b.Path)
}
