//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps evidence bundles in a Google Cloud Storage bucket under
// their content hash. Credentials come from ADC.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(hexHash string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + hexHash + ".zip")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref, hexHash := contentRef(data)
	obj := s.object(hexHash)

	// Idempotent: skip the upload when the object is already there.
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs commit: %w", err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	hexHash, err := hexFromRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.object(hexHash).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read: %w", err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	hexHash, err := hexFromRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.object(hexHash).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive: gcs attrs: %w", err)
	}
	return true, nil
}
