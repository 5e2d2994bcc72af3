// Package blob defines the durable blob store used by the result store and
// the cache: key → bytes with per-object metadata and prefix listing.
//
// Backends:
//   - Memory: process-local, for tests and the demo
//   - FS:     one file per object, atomic temp-file + rename writes
//   - SQL:    sqlite3 or postgres (pgx) table with upsert semantics
//
// Every backend gives last-writer-wins overwrite per key. CreatedAt is the
// time of the most recent write to the key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("blob: not found")
	// ErrInvalidKey is returned for empty or path-escaping keys.
	ErrInvalidKey = errors.New("blob: invalid key")
)

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key       string
	Size      int64
	Metadata  map[string]string
	CreatedAt time.Time
}

// Object is a stored payload together with its description.
type Object struct {
	ObjectInfo
	Data []byte
}

// Store is the durable blob transport.
type Store interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	// Get returns the object stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (*Object, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Close releases backend resources.
	Close() error
}

// ValidateKey rejects keys that cannot be stored portably by every backend.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	if strings.ContainsAny(key, "\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func copyMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
