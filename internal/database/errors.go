package database

import "errors"

// Database manager errors. Both are reported to callers wrapped in
// types.ErrStorageUnavailable.
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)
