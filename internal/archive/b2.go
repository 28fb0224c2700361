package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider uploads to a Backblaze B2 bucket.
type B2Provider struct {
	bucket *b2.Bucket
}

func NewB2Provider(ctx context.Context, s Settings) (*B2Provider, error) {
	if s.Bucket == "" || s.AccessKey == "" || s.SecretKey.Empty() {
		return nil, errors.New("b2 bucket, account id and application key are required")
	}
	client, err := b2.NewClient(ctx, s.AccessKey, s.SecretKey.Reveal())
	if err != nil {
		return nil, fmt.Errorf("authorize b2 account: %w", err)
	}
	bucket, err := client.Bucket(ctx, s.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %q: %w", s.Bucket, err)
	}
	return &B2Provider{bucket: bucket}, nil
}

func (p *B2Provider) Name() string { return ProviderB2 }

func (p *B2Provider) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := p.bucket.Object(key).NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{ContentType: contentType(localPath)}))
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	return nil
}
