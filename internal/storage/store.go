// Package storage puts uploaded binaries into object storage.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrInvalidPath is returned for empty or escaping object paths.
	ErrInvalidPath = errors.New("storage: invalid object path")
)

// ObjectStore is the object storage contract used by file uploads.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Remove(ctx context.Context, paths ...string) error
	PublicURL(path string) string
	Ping(ctx context.Context) error
}

func cleanPath(path string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return "", ErrInvalidPath
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", ErrInvalidPath
		}
	}
	return trimmed, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
