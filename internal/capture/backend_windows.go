//go:build windows

package capture

import "time"

// DefaultBackend returns the platform's preferred capture backend. The
// interval only applies to polling backends.
func DefaultBackend(time.Duration) Backend {
	return NewDXGIBackend()
}
