// Package archive copies finalized recordings to long-term storage: a local
// or mounted directory, S3-compatible object storage, Google Cloud Storage,
// Azure Blob Storage or Backblaze B2.
package archive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/secmem"
)

var log = logging.L("archive")

// Provider names accepted by New.
const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
	ProviderB2    = "b2"
)

var ErrDisabled = errors.New("archive: no provider configured")

// ErrUnsafeKey marks an object key that would land outside the destination.
var ErrUnsafeKey = errors.New("path traversal detected")

// Provider uploads one local file under an object key.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, key string) error
}

// Settings selects and configures a provider.
type Settings struct {
	Provider string
	// Bucket is the bucket, or the container for Azure.
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// AccessKey and SecretKey are static S3 credentials, or the B2 account
	// ID and application key.
	AccessKey        string
	SecretKey        *secmem.Secret
	CredentialsFile  string
	ConnectionString *secmem.Secret
	// Path is the destination root for the local provider.
	Path string
}

// New builds the configured provider. An empty or "none" provider returns
// ErrDisabled.
func New(ctx context.Context, s Settings) (Provider, error) {
	switch strings.ToLower(s.Provider) {
	case "", ProviderNone:
		return nil, ErrDisabled
	case ProviderLocal:
		return NewLocalProvider(s.Path)
	case ProviderS3:
		return NewS3Provider(ctx, s)
	case ProviderGCS:
		return NewGCSProvider(ctx, s)
	case ProviderAzure:
		return NewAzureProvider(s)
	case ProviderB2:
		return NewB2Provider(ctx, s)
	default:
		return nil, fmt.Errorf("archive: unknown provider %q", s.Provider)
	}
}

// ObjectKey joins prefix and the file's base name with forward slashes.
func ObjectKey(prefix, localPath string) string {
	base := filepath.Base(localPath)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}

func contentType(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".mp4":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	if t := mime.TypeByExtension(filepath.Ext(localPath)); t != "" {
		return t
	}
	return "application/octet-stream"
}
