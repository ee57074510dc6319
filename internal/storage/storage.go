// Package storage defines the content backend consumed by the file
// authority. Backends persist file bytes only; lock and viewer state is
// in-memory and rebuilt on restart.
package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound indicates the named file does not exist in the backend.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidName indicates the file name is empty or would escape the store.
var ErrInvalidName = errors.New("storage: invalid file name")

// Backend persists file content. Implementations must be safe for concurrent
// use; the authority serializes mutations per request but backends may also
// be read by diagnostic tooling.
type Backend interface {
	// List returns the names of all stored files, in unspecified order.
	List(ctx context.Context) ([]string, error)
	// Read returns the content of a file, or ErrNotFound.
	Read(ctx context.Context, name string) (string, error)
	// Write creates or overwrites a file.
	Write(ctx context.Context, name, content string) error
	// Remove deletes a file, or returns ErrNotFound.
	Remove(ctx context.Context, name string) error
	// Close releases backend resources.
	Close() error
}

// ValidateName rejects names that are empty, contain path separators or NUL
// bytes, or are filesystem dot entries. File names double as on-disk
// filenames and object keys, so they must never traverse.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}
