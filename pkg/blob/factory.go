package blob

import (
	"context"
	"fmt"
	"os"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
)

// Backend names accepted by NewStoreFromConfig.
const (
	BackendFile = "file"
	BackendS3   = "s3"
	BackendGCS  = "gcs"
)

// NewStoreFromConfig builds the blob store selected by cfg.BlobBackend.
// The GCS backend requires a build with -tags gcp.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.BlobBackend {
	case "", BackendFile:
		return NewFileStore(cfg.StorageRoot)
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("INVOICEMIND_S3_BUCKET is required for the s3 backend")
		}
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: os.Getenv("INVOICEMIND_S3_ENDPOINT"),
			Prefix:   os.Getenv("INVOICEMIND_S3_PREFIX"),
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("INVOICEMIND_GCS_BUCKET is required for the gcs backend")
		}
		return newGCSStore(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.BlobBackend)
	}
}
