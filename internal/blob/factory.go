package blob

import (
	"context"
	"fmt"
	"os"
)

// Open selects a blob.Store implementation using environment variables.
//
//	MODOS_BLOB_DRIVER: fs|s3|memory (default fs)
//	MODOS_BLOB_FS_ROOT: directory root when driver=fs (default .)
//	(S3 specific variables documented in internal/infra/blob/s3)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("MODOS_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	return OpenDriver(ctx, Driver(driver), os.Getenv("MODOS_BLOB_FS_ROOT"), S3ConfigFromEnv())
}

// OpenDriver constructs a store for an explicit driver.
func OpenDriver(ctx context.Context, driver Driver, root string, s3cfg S3Config) (Store, error) {
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(root)
	case DriverS3:
		return NewS3(ctx, s3cfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
