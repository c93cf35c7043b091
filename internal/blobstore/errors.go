package blobstore

import "errors"

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidRef   = errors.New("invalid blob reference")
)
