// Package blobstore keeps selfie captures out of the session database.
// References are "<scheme>:<id>" strings stored on attendance records.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const filesystemScheme = "fs:"

// Filesystem stores blobs as files under a root directory
type Filesystem struct {
	root string
}

// NewFilesystem creates the root directory if needed
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Filesystem{root: root}, nil
}

// Put writes data to a uniquely named file via rename, so readers never see partial files
func (f *Filesystem) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := sanitizeKey(key) + "-" + uuid.NewString() + extensionFor(contentType)
	tmp, err := os.CreateTemp(f.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(f.root, name)); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return filesystemScheme + name, nil
}

// Get reads a blob by reference
func (f *Filesystem) Get(ctx context.Context, ref string) ([]byte, error) {
	name, ok := strings.CutPrefix(ref, filesystemScheme)
	if !ok || name == "" || name != filepath.Base(name) {
		return nil, ErrInvalidRef
	}

	data, err := os.ReadFile(filepath.Join(f.root, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return data, nil
}

// Close is a no-op
func (f *Filesystem) Close() error {
	return nil
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
