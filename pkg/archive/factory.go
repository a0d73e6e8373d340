package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects where evidence bundles live.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv builds a bundle store from environment variables.
//
//   - ARCHIVE_BACKEND: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - AWS_REGION or ARCHIVE_S3_REGION
//   - ARCHIVE_S3_BUCKET (required)
//   - ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ARCHIVE_GCS_BUCKET (required)
//   - ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "bundles"))
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: ARCHIVE_S3_BUCKET is required for the s3 backend")
	}
	region := os.Getenv("ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
	})
}
