// Package storage retains the original uploaded archive for each
// installed extension.
//
// Keeping the validated upload around lets an administrator re-download
// or forensically inspect exactly what was installed. Retention is
// best-effort from the installer's point of view: the install itself
// never depends on the retained copy.
package storage

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("archive not found")

// Storage is the interface archive retention backends implement.
type Storage interface {
	// Store writes content from r to the given path.
	// Returns the number of bytes written and the SHA256 hash of the content.
	Store(ctx context.Context, path string, r io.Reader) (size int64, hash string, err error)

	// Open returns a reader for the content at path.
	// The caller must close the reader when done.
	// Returns ErrNotFound if the path does not exist.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists returns true if content exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the content at path.
	// Returns nil if the path does not exist.
	Delete(ctx context.Context, path string) error

	// Close releases backend resources.
	Close() error
}

// ArchivePath builds the retention path for an extension's archive.
func ArchivePath(slug, version string) string {
	return "archives/" + slug + "-" + version + ".zip"
}
