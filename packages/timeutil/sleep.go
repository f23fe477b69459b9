package timeutil

import "time"

// Sleep waits for the given interval and reports whether it elapsed in full,
// or false when the shutdown signal fired first.
func Sleep(interval time.Duration, shutdownSignal <-chan struct{}) bool {
	select {
	case <-shutdownSignal:
		return false

	case <-time.After(interval):
		return true
	}
}
