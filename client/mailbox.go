// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Mailbox kinds
const (
	MailboxPipe = "pipe"
	MailboxUDP  = "udp"
)

// command is a request for the worker. The tag identifies the goroutine that
// waits for the result; tag 0 means nobody waits.
type command struct {
	tag    uint16
	packet packets.ControlPacket
}

// mailbox carries commands from application goroutines to the worker
type mailbox interface {
	// Post a command. Safe for concurrent use.
	Post(cmd command) error
	// Next blocks until the next command arrives. Only the worker calls Next.
	Next() (command, error)
	// Close the mailbox. Post and Next return ErrStopped afterwards.
	Close() error
}

// newMailbox returns a mailbox of the given kind
func newMailbox(kind string) (mailbox, error) {
	switch kind {
	case MailboxPipe, "":
		return newPipeMailbox(), nil
	case MailboxUDP:
		return newUDPMailbox()
	default:
		return nil, fmt.Errorf("mqtt: unknown mailbox %q", kind)
	}
}

func (cmd command) encode() ([]byte, error) {
	var buf bytes.Buffer
	var tag [2]byte
	binary.BigEndian.PutUint16(tag[:], cmd.tag)
	buf.Write(tag[:])
	if err := cmd.packet.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCommand(r io.Reader) (cmd command, err error) {
	var tag [2]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	cmd.tag = binary.BigEndian.Uint16(tag[:])
	cmd.packet, err = packets.ReadPacket(r)
	return
}
