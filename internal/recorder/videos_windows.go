//go:build windows

package recorder

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// VideosDir is the user's Known Folder for videos.
func VideosDir() (string, error) {
	dir, err := windows.KnownFolderPath(windows.FOLDERID_Videos, windows.KF_FLAG_DEFAULT)
	if err != nil {
		return "", fmt.Errorf("resolve videos folder: %w", err)
	}
	return dir, nil
}
