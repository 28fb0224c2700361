package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// containedPath resolves key under basePath and rejects keys that escape it.
func containedPath(basePath, key string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside base %q", ErrUnsafeKey, key, absBase)
	}
	return absJoined, nil
}

// LocalProvider copies recordings into a local or mounted directory.
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) (*LocalProvider, error) {
	if basePath == "" {
		return nil, errors.New("local provider base path is required")
	}
	return &LocalProvider{BasePath: filepath.Clean(basePath)}, nil
}

func (p *LocalProvider) Name() string { return ProviderLocal }

func (p *LocalProvider) Upload(ctx context.Context, localPath, key string) error {
	if localPath == "" || key == "" {
		return errors.New("local source path and key are required")
	}
	dest, err := containedPath(p.BasePath, key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(localPath, dest)
}

// copyFile writes through a temp file in the destination directory so a
// partial copy never appears under the final name.
func copyFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), "."+filepath.Base(destPath)+".*")
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	_, err = io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), destPath)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return os.Chtimes(destPath, info.ModTime(), info.ModTime())
}
