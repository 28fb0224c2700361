package recorder

import "path/filepath"

const DefaultAppFolder = "BreezeRecorder"

// DefaultOutputDir is <videos>/<appFolder>.
func DefaultOutputDir(appFolder string) (string, error) {
	if appFolder == "" {
		appFolder = DefaultAppFolder
	}
	videos, err := VideosDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(videos, appFolder), nil
}
