// Package manifest locates and validates the extension manifest inside
// an uploaded archive.
//
// Every extension archive must carry exactly one extension.json
// describing its identity (slug, name, version). The manifest's
// location also decides which subtree of the archive becomes the root
// of the installed extension: archives may or may not wrap their
// payload in a single top-level folder.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/extwarden/extwarden/internal/archive"
)

// Filename is the manifest file every extension archive must contain.
const Filename = "extension.json"

// SlugPattern constrains extension slugs.
var SlugPattern = regexp.MustCompile(`^[a-z0-9_-]{3,64}$`)

var (
	// ErrMissing indicates no manifest entry was found in the archive.
	ErrMissing = errors.New("missing extension.json manifest")

	// ErrInvalid indicates the manifest could not be parsed, is not an
	// object, or fails schema validation.
	ErrInvalid = errors.New("invalid manifest")

	// ErrInvalidSlug indicates the manifest slug is missing or does not
	// match SlugPattern.
	ErrInvalidSlug = errors.New("invalid or missing slug in manifest")
)

//go:embed schema/extension.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

// getSchema compiles the embedded JSON schema once and returns it.
func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("extension.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("extension.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// Resolved is the outcome of locating and validating a manifest.
type Resolved struct {
	// Dir is the directory component of the manifest's archive path,
	// empty when the manifest sits at the archive root. It is the
	// subtree that becomes the installed extension's root.
	Dir string

	Slug    string
	Name    string
	Version string

	// Raw is the full decoded manifest document, including any extra
	// fields the extension author added.
	Raw map[string]any
}

// Resolve locates the manifest inside the archive, reads it, and
// validates its identity fields.
//
// Candidates are all non-directory entries whose base name matches
// extension.json case-insensitively. When more than one exists the
// shallowest match wins; ties are broken by lexical order of the full
// entry path, so resolution is deterministic regardless of archive
// iteration order.
func Resolve(r archive.Reader) (*Resolved, error) {
	entryPath, ok := locate(r.Entries())
	if !ok {
		return nil, ErrMissing
	}

	rc, err := r.Open(entryPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	res, err := Parse(data)
	if err != nil {
		return nil, err
	}
	res.Dir = dirOf(entryPath)
	return res, nil
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Resolved, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalid)
	}

	slug, _ := raw["slug"].(string)
	if !SlugPattern.MatchString(slug) {
		return nil, ErrInvalidSlug
	}

	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("loading manifest schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w (name/version)", ErrInvalid)
	}

	name, _ := raw["name"].(string)
	version, _ := raw["version"].(string)

	return &Resolved{
		Slug:    slug,
		Name:    name,
		Version: version,
		Raw:     raw,
	}, nil
}

// locate picks the manifest entry: fewest path segments first, then
// lexical order of the full path.
func locate(entries []archive.Entry) (string, bool) {
	var candidates []string
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if strings.EqualFold(e.Name, Filename) {
			candidates = append(candidates, e.Path)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := strings.Count(candidates[i], "/")
		dj := strings.Count(candidates[j], "/")
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], true
}

func dirOf(p string) string {
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[:idx]
	}
	return ""
}
