//go:build !windows

package capture

import "time"

// DefaultBackend returns the platform's preferred capture backend.
func DefaultBackend(interval time.Duration) Backend {
	return NewScreenshotBackend(interval)
}
