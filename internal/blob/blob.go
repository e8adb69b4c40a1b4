// Package blob opens the configured archive backend. Callers depend on Store;
// only this package imports the drivers.
package blob

import (
	"context"
	"fmt"

	"supplycore/internal/blob/core"
	"supplycore/internal/config"
	"supplycore/internal/infra/blob/fs"
	"supplycore/internal/infra/blob/memory"
	"supplycore/internal/infra/blob/s3"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	Store      = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)

// Open builds the store named by cfg.Driver. An empty driver returns a nil
// store: archiving is off.
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case config.BlobFilesystem:
		return fs.New(cfg.FSRoot)
	case config.BlobMemory:
		return memory.New(), nil
	case config.BlobS3:
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
