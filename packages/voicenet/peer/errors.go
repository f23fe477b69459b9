package peer

import "github.com/cockroachdb/errors"

var (
	// ErrDisposed is returned by every operation invoked after Dispose.
	ErrDisposed = errors.New("peer used after disposal")
)
