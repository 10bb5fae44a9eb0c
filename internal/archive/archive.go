// Package archive provides in-memory reading of uploaded extension
// archives.
//
// Only ZIP is accepted by the upload validator, so this package exposes
// a single zip-backed Reader. Entries are always treated as plain file
// or directory data; symlink metadata inside the archive is never
// followed. The package works entirely in memory without writing to
// disk, which keeps validation side-effect free.
package archive

import (
	"io"
	"path"
	"strings"
	"time"
)

// Entry describes one entry in an archive. Paths are normalized to
// forward slashes exactly as they appear in the archive; no cleaning is
// performed here so callers can inspect the raw path for traversal
// sequences.
type Entry struct {
	Path    string    // Full path within archive, forward slashes
	Name    string    // Base name
	Size    int64     // Declared uncompressed size in bytes
	ModTime time.Time // Modification time
	IsDir   bool      // Whether this is a directory entry
}

// Reader provides access to the entries of an archive.
type Reader interface {
	// Entries returns all entries in archive order.
	Entries() []Entry

	// Open returns a reader for the entry with the given exact path.
	// The caller must close the reader when done.
	Open(entryPath string) (io.ReadCloser, error)

	// Close releases resources associated with the reader.
	Close() error
}

// HasZipExtension reports whether filename carries the accepted archive
// extension, case-insensitively.
func HasZipExtension(filename string) bool {
	return strings.EqualFold(path.Ext(filename), ".zip")
}

// baseName returns the final path element of an entry path.
func baseName(p string) string {
	p = strings.TrimSuffix(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
