//go:build gcp

package blob

import (
	"context"
	"os"
)

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("INVOICEMIND_GCS_PREFIX"),
	})
}
