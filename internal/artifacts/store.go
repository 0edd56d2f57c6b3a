// Package artifacts stores oversized tool outputs outside the transcript and
// resolves the references handed back to the model.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when a key or reference has no stored data.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidKey is returned for keys that could escape the store's root.
var ErrInvalidKey = errors.New("invalid artifact key")

// Store is a blob store addressed by slash-separated keys.
type Store interface {
	// Put stores data under key and returns an opaque reference.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// KeyOf maps a reference returned by Put back to its key.
	KeyOf(ref string) (string, error)

	Close() error
}

// PutOptions describes stored data.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// validKey rejects empty, absolute, and parent-relative keys.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// safeSegment turns an id into a single key segment.
func safeSegment(id string) string {
	if id == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
