// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package client implements an MQTT 3.1.1 client that runs its whole session
// (connection, keepalive, acknowledgements and reconnects) on a single worker
// goroutine. Application goroutines hand their requests to the worker through a
// mailbox, which is either an in-process pipe or a loopback UDP socket pair.
package client
