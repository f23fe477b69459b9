package server

import "github.com/pkg/errors"

var (
	// ErrClosed is returned on any operation after the server shut down.
	ErrClosed = errors.New("server closed")
	// ErrUnknownPeer is returned when addressing a peer the server no longer tracks.
	ErrUnknownPeer = errors.New("unknown peer")
)
