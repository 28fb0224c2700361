package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSProvider uploads to a Google Cloud Storage bucket.
type GCSProvider struct {
	Bucket string
	client *storage.Client
}

func NewGCSProvider(ctx context.Context, s Settings) (*GCSProvider, error) {
	if s.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if s.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.CredentialsFile))
	}
	if s.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{Bucket: s.Bucket, client: client}, nil
}

func (p *GCSProvider) Name() string { return ProviderGCS }

func (p *GCSProvider) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := p.client.Bucket(p.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType(localPath)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload gs://%s/%s: %w", p.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload gs://%s/%s: %w", p.Bucket, key, err)
	}
	return nil
}

func (p *GCSProvider) Close() error { return p.client.Close() }
