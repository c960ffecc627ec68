package blob

import (
	"context"

	infraS3 "modos/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// S3Store is the concrete S3 store; discovery needs its bucket listing helpers.
type S3Store = infraS3.Store

// S3Mock is the in-memory fake S3 endpoint used by cross-package tests.
type S3Mock = infraS3.Mock

// NewS3 constructs an S3-backed store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewS3Endpoint constructs a store for endpoint-wide calls such as bucket
// discovery; cfg.Bucket may be empty.
func NewS3Endpoint(ctx context.Context, cfg S3Config) (*S3Store, error) {
	return infraS3.NewEndpoint(ctx, cfg)
}

// S3ConfigFromEnv reads MODOS_BLOB_S3_* variables.
func S3ConfigFromEnv() S3Config { return infraS3.ConfigFromEnv() }

// OpenFromEnv constructs an S3 store using environment variables.
func OpenFromEnv(ctx context.Context) (Store, error) {
	return infraS3.OpenFromEnv(ctx)
}

// NewS3Mock returns a fake S3 endpoint with the given buckets.
func NewS3Mock(buckets ...string) *S3Mock { return infraS3.NewMock(buckets...) }
