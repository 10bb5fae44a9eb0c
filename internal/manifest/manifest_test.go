package manifest

import (
	zipw "archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/extwarden/extwarden/internal/archive"
)

const validManifest = `{"slug":"my-ext","name":"My Extension","version":"1.2.0"}`

func openZip(t *testing.T, files map[string]string) archive.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := zipw.NewWriter(&buf)
	for path, content := range files {
		f, err := w.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := archive.OpenZip(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestResolveRootManifest(t *testing.T) {
	r := openZip(t, map[string]string{
		"extension.json": validManifest,
		"main.js":        "//",
	})

	res, err := Resolve(r)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Dir != "" {
		t.Errorf("Dir = %q, want empty", res.Dir)
	}
	if res.Slug != "my-ext" {
		t.Errorf("Slug = %q, want my-ext", res.Slug)
	}
	if res.Name != "My Extension" {
		t.Errorf("Name = %q", res.Name)
	}
	if res.Version != "1.2.0" {
		t.Errorf("Version = %q", res.Version)
	}
}

func TestResolveWrappedManifest(t *testing.T) {
	r := openZip(t, map[string]string{
		"my-ext-1.2.0/extension.json": validManifest,
		"my-ext-1.2.0/main.js":        "//",
	})

	res, err := Resolve(r)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Dir != "my-ext-1.2.0" {
		t.Errorf("Dir = %q, want my-ext-1.2.0", res.Dir)
	}
}

func TestResolveCaseInsensitiveFilename(t *testing.T) {
	r := openZip(t, map[string]string{
		"Extension.JSON": validManifest,
	})

	res, err := Resolve(r)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Slug != "my-ext" {
		t.Errorf("Slug = %q", res.Slug)
	}
}

func TestResolveShallowestWins(t *testing.T) {
	r := openZip(t, map[string]string{
		"extension.json":        validManifest,
		"vendor/extension.json": `{"slug":"vendored","name":"V","version":"0.0.1"}`,
	})

	res, err := Resolve(r)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Slug != "my-ext" {
		t.Errorf("Slug = %q, want shallowest manifest's my-ext", res.Slug)
	}
}

func TestResolveTieBrokenLexically(t *testing.T) {
	r := openZip(t, map[string]string{
		"b/extension.json": `{"slug":"ext-b","name":"B","version":"1.0.0"}`,
		"a/extension.json": `{"slug":"ext-a","name":"A","version":"1.0.0"}`,
	})

	res, err := Resolve(r)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Slug != "ext-a" {
		t.Errorf("Slug = %q, want ext-a (lexically first path)", res.Slug)
	}
	if res.Dir != "a" {
		t.Errorf("Dir = %q, want a", res.Dir)
	}
}

func TestResolveMissing(t *testing.T) {
	r := openZip(t, map[string]string{
		"main.js": "//",
	})

	if _, err := Resolve(r); !errors.Is(err, ErrMissing) {
		t.Errorf("Resolve() = %v, want ErrMissing", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name: "valid",
			data: validManifest,
		},
		{
			name:    "not json",
			data:    "not json at all",
			wantErr: ErrInvalid,
		},
		{
			name:    "json array",
			data:    `[1, 2, 3]`,
			wantErr: ErrInvalid,
		},
		{
			name:    "missing slug",
			data:    `{"name":"X","version":"1.0.0"}`,
			wantErr: ErrInvalidSlug,
		},
		{
			name:    "slug too short",
			data:    `{"slug":"ab","name":"X","version":"1.0.0"}`,
			wantErr: ErrInvalidSlug,
		},
		{
			name:    "slug with uppercase",
			data:    `{"slug":"MyExt","name":"X","version":"1.0.0"}`,
			wantErr: ErrInvalidSlug,
		},
		{
			name:    "slug with slash",
			data:    `{"slug":"my/ext","name":"X","version":"1.0.0"}`,
			wantErr: ErrInvalidSlug,
		},
		{
			name:    "missing name",
			data:    `{"slug":"my-ext","version":"1.0.0"}`,
			wantErr: ErrInvalid,
		},
		{
			name:    "missing version",
			data:    `{"slug":"my-ext","name":"X"}`,
			wantErr: ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			if res.Slug != "my-ext" {
				t.Errorf("Slug = %q", res.Slug)
			}
		})
	}
}

func TestParseKeepsExtraFields(t *testing.T) {
	res, err := Parse([]byte(`{"slug":"my-ext","name":"X","version":"1.0.0","author":"someone"}`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if res.Raw["author"] != "someone" {
		t.Errorf("Raw[author] = %v, want someone", res.Raw["author"])
	}
}

func TestSlugPattern(t *testing.T) {
	valid := []string{"abc", "my-ext", "my_ext", "ext123", "a1-"}
	for _, s := range valid {
		if !SlugPattern.MatchString(s) {
			t.Errorf("SlugPattern should match %q", s)
		}
	}

	invalid := []string{"", "ab", "My-Ext", "my.ext", "my ext", "../etc"}
	for _, s := range invalid {
		if SlugPattern.MatchString(s) {
			t.Errorf("SlugPattern should not match %q", s)
		}
	}
}
