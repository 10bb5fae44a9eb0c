// Package integrity computes and verifies per-file content baselines
// for installed extensions.
//
// A baseline is a snapshot of SHA256 hashes for every file under an
// extension's install directory. Comparing the live tree against the
// stored baseline detects files that were altered outside the normal
// install/uninstall flow without requiring a re-install to notice.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoBaseline indicates a check was requested for a slug with no
// stored baseline.
var ErrNoBaseline = errors.New("no baseline exists for extension")

// ErrNotInstalled indicates the extension's install directory is absent.
var ErrNotInstalled = errors.New("extension not installed")

// BaselineRepo persists baselines. The SQL implementation lives in
// internal/database; a nil-map LoadBaseline result means no baseline
// exists for the slug.
type BaselineRepo interface {
	SaveBaseline(ctx context.Context, slug string, files map[string]string) error
	LoadBaseline(ctx context.Context, slug string) (map[string]string, time.Time, error)
	DeleteBaseline(ctx context.Context, slug string) error
}

// Report is the outcome of one integrity check. OK is true only when
// all three lists are empty.
type Report struct {
	OK        bool      `json:"ok"`
	CreatedAt time.Time `json:"baseline_created_at"`
	Mismatch  []string  `json:"mismatch"`
	Missing   []string  `json:"missing"`
	Extra     []string  `json:"extra"`
}

// Engine builds and checks integrity baselines against the extensions
// root.
type Engine struct {
	root string
	repo BaselineRepo
}

// New creates an Engine for extensions installed under root.
func New(root string, repo BaselineRepo) *Engine {
	return &Engine{root: root, repo: repo}
}

// Build walks the extension's install directory, hashes every file, and
// persists the result as the slug's baseline, fully replacing any prior
// one. It returns the sorted list of files hashed.
func (e *Engine) Build(ctx context.Context, slug string) ([]string, error) {
	dir := filepath.Join(e.root, slug)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, slug)
	}

	hashes, err := e.hashTree(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("hashing extension tree: %w", err)
	}

	if err := e.repo.SaveBaseline(ctx, slug, hashes); err != nil {
		return nil, fmt.Errorf("saving baseline: %w", err)
	}

	files := make([]string, 0, len(hashes))
	for path := range hashes {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// Check recomputes hashes for the current tree and classifies every
// divergence from the stored baseline. The baseline itself is never
// mutated by a check.
func (e *Engine) Check(ctx context.Context, slug string) (*Report, error) {
	baseline, createdAt, err := e.repo.LoadBaseline(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("loading baseline: %w", err)
	}
	if baseline == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBaseline, slug)
	}

	current, err := e.hashTree(ctx, filepath.Join(e.root, slug))
	if err != nil {
		return nil, fmt.Errorf("hashing extension tree: %w", err)
	}

	report := &Report{
		CreatedAt: createdAt,
		Mismatch:  []string{},
		Missing:   []string{},
		Extra:     []string{},
	}

	for path, want := range baseline {
		got, ok := current[path]
		switch {
		case !ok:
			report.Missing = append(report.Missing, path)
		case got != want:
			report.Mismatch = append(report.Mismatch, path)
		}
	}
	for path := range current {
		if _, ok := baseline[path]; !ok {
			report.Extra = append(report.Extra, path)
		}
	}

	sort.Strings(report.Mismatch)
	sort.Strings(report.Missing)
	sort.Strings(report.Extra)
	report.OK = len(report.Mismatch) == 0 && len(report.Missing) == 0 && len(report.Extra) == 0
	return report, nil
}

// Forget removes any stored baseline for the slug.
func (e *Engine) Forget(ctx context.Context, slug string) error {
	return e.repo.DeleteBaseline(ctx, slug)
}

// hashTree returns relative POSIX path -> SHA256 hex for every file
// under dir. Files are hashed concurrently. A missing dir yields an
// empty map so a check against a removed tree reports everything
// missing rather than erroring.
func (e *Engine) hashTree(ctx context.Context, dir string) (map[string]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]string, len(paths))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := hashFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			mu.Lock()
			hashes[filepath.ToSlash(rel)] = sum
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
