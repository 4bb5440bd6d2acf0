//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return nil, fmt.Errorf("gcs backend is not enabled in this build (use -tags gcp)")
}
