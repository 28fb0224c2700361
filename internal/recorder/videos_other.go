//go:build !windows

package recorder

import (
	"fmt"
	"os"
	"path/filepath"
)

// VideosDir is $XDG_VIDEOS_DIR when set, else ~/Videos.
func VideosDir() (string, error) {
	if dir := os.Getenv("XDG_VIDEOS_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve videos folder: %w", err)
	}
	return filepath.Join(home, "Videos"), nil
}
