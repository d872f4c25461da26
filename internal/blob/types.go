// Package blob re-exports core blob abstractions and selects the archive backend.
package blob

import (
	"astmlis/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverNone disables the raw archive.
	DriverNone = core.DriverNone
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrExists reports a write to a key that is already archived.
	ErrExists = core.ErrExists
	// ErrNotFound reports a missing key.
	ErrNotFound = core.ErrNotFound
)
