package archive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider uploads block blobs into one container.
type AzureProvider struct {
	Container string
	client    *azblob.Client
}

func NewAzureProvider(s Settings) (*AzureProvider, error) {
	if s.Bucket == "" || s.ConnectionString.Empty() {
		return nil, errors.New("azure container and connection string are required")
	}
	client, err := azblob.NewClientFromConnectionString(s.ConnectionString.Reveal(), nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureProvider{Container: s.Bucket, client: client}, nil
}

func (p *AzureProvider) Name() string { return ProviderAzure }

func (p *AzureProvider) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := p.client.UploadFile(ctx, p.Container, key, f, nil); err != nil {
		return fmt.Errorf("azure upload %s/%s: %w", p.Container, key, err)
	}
	return nil
}
