package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

// buildZip creates an in-memory zip with the given path->content map.
// Paths ending in "/" become directory entries.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for path, content := range files {
		f, err := w.Create(path)
		if err != nil {
			t.Fatalf("creating zip entry %s: %v", path, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("writing zip entry %s: %v", path, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}
	return buf.Bytes()
}

func TestOpenZip(t *testing.T) {
	data := buildZip(t, map[string]string{
		"ext/extension.json": `{"slug":"demo"}`,
		"ext/main.go":        "package main",
		"ext/assets/":        "",
	})

	r, err := OpenZip(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer func() { _ = r.Close() }()

	entries := r.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	byPath := make(map[string]Entry)
	for _, e := range entries {
		byPath[e.Path] = e
	}

	manifest, ok := byPath["ext/extension.json"]
	if !ok {
		t.Fatal("manifest entry not found")
	}
	if manifest.Name != "extension.json" {
		t.Errorf("Name = %q, want extension.json", manifest.Name)
	}
	if manifest.IsDir {
		t.Error("manifest should not be a directory")
	}
	if manifest.Size != int64(len(`{"slug":"demo"}`)) {
		t.Errorf("Size = %d", manifest.Size)
	}

	dir, ok := byPath["ext/assets/"]
	if !ok {
		t.Fatal("directory entry not found")
	}
	if !dir.IsDir {
		t.Error("assets/ should be a directory entry")
	}
}

func TestOpenZipReadsContent(t *testing.T) {
	data := buildZip(t, map[string]string{
		"a.txt": "hello",
	})

	r, err := OpenZip(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer func() { _ = r.Close() }()

	rc, err := r.Open("a.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	content, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("reading entry: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("content = %q, want hello", content)
	}

	if _, err := r.Open("missing.txt"); err == nil {
		t.Error("expected error opening missing entry")
	}
}

func TestOpenZipNormalizesBackslashes(t *testing.T) {
	// Some Windows tooling writes backslash separators.
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateHeader(&zip.FileHeader{Name: `dir\file.txt`})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenZip(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer func() { _ = r.Close() }()

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Path != "dir/file.txt" {
		t.Errorf("Path = %q, want dir/file.txt", entries[0].Path)
	}
	if entries[0].Name != "file.txt" {
		t.Errorf("Name = %q, want file.txt", entries[0].Name)
	}
}

func TestOpenZipRejectsGarbage(t *testing.T) {
	if _, err := OpenZip(bytes.NewReader([]byte("not a zip"))); err == nil {
		t.Error("expected error for non-zip content")
	}
}

func TestHasZipExtension(t *testing.T) {
	tests := []struct {
		filename string
		want     bool
	}{
		{"ext.zip", true},
		{"ext.ZIP", true},
		{"ext.Zip", true},
		{"ext.tar.gz", false},
		{"ext.zip.exe", false},
		{"ext", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := HasZipExtension(tt.filename); got != tt.want {
			t.Errorf("HasZipExtension(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}
