package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
)

type zipReader struct {
	data    []byte
	reader  *zip.Reader
	entries []Entry
}

// OpenZip reads content fully into memory and opens it as a ZIP
// archive. The upload validator caps content size before this is
// called, so buffering is bounded.
func OpenZip(content io.Reader) (Reader, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("reading zip content: %w", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}

	entries := make([]Entry, 0, len(reader.File))
	for _, f := range reader.File {
		// Backslash separators show up in archives produced by
		// some Windows tooling.
		p := strings.ReplaceAll(f.Name, `\`, "/")
		entries = append(entries, Entry{
			Path:    p,
			Name:    baseName(p),
			Size:    int64(f.UncompressedSize64),
			ModTime: f.Modified,
			IsDir:   f.FileInfo().IsDir() || strings.HasSuffix(p, "/"),
		})
	}

	return &zipReader{
		data:    data,
		reader:  reader,
		entries: entries,
	}, nil
}

func (z *zipReader) Entries() []Entry {
	return z.entries
}

func (z *zipReader) Open(entryPath string) (io.ReadCloser, error) {
	for i, e := range z.entries {
		if e.Path != entryPath {
			continue
		}
		f := z.reader.File[i]
		if e.IsDir {
			return nil, fmt.Errorf("entry is a directory: %s", entryPath)
		}
		return f.Open()
	}
	return nil, fmt.Errorf("entry not found: %s", entryPath)
}

func (z *zipReader) Close() error {
	// No resources to clean up for an in-memory zip reader.
	z.data = nil
	z.reader = nil
	z.entries = nil
	return nil
}
