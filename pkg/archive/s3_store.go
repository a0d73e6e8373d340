package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store keeps evidence bundles in an S3 bucket under their content hash.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(hexHash string) string {
	return s.prefix + hexHash + ".zip"
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	ref, hexHash := contentRef(data)
	key := s.key(hexHash)

	// Idempotent: skip the upload when the object is already there.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put: %w", err)
	}
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	hexHash, err := hexFromRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hexHash)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, ref, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: s3 read: %w", err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, ref string) (bool, error) {
	hexHash, err := hexFromRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hexHash)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}
