// Package transport provides the datagram channel the voice host runs on:
// unordered, unreliable, bounded-size frames addressed by opaque strings.
package transport

import "github.com/pkg/errors"

// MaxPacketSize is the maximum size of a single datagram.
const MaxPacketSize = 65507

// ErrClosed is returned on any operation after the transport was closed.
var ErrClosed = errors.New("transport closed")

// Transport is a connectionless channel for sending and receiving datagrams.
type Transport interface {
	// ReadFrom blocks until a datagram arrives and returns it together with
	// the sender's address.
	ReadFrom() (data []byte, fromAddr string, err error)
	// WriteTo sends a datagram to the given address.
	WriteTo(data []byte, toAddr string) error
	// LocalAddr returns the address the transport receives on.
	LocalAddr() string
	// Close shuts the transport down; pending reads return ErrClosed.
	Close()
}
