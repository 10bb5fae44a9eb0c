// Package extractor safely unpacks validated extension archives.
//
// Extraction is a two-phase algorithm. Phase A pre-scans every archive
// entry for path safety and resource ceilings without touching disk,
// which makes zip-bomb and traversal attacks cheap to reject. Phase B
// streams entries into a private staging directory and atomically
// promotes it to the final install location. On any failure only the
// staging directory is removed; the extensions root never contains a
// half-installed extension.
package extractor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/extwarden/extwarden/internal/archive"
	"github.com/extwarden/extwarden/internal/manifest"
)

var (
	// ErrNulByte indicates an archive entry path containing a NUL byte.
	ErrNulByte = errors.New("invalid zip entry")

	// ErrAbsolutePath indicates an absolute or drive-letter entry path.
	ErrAbsolutePath = errors.New("zip contains absolute paths")

	// ErrTraversal indicates a ".." path segment in an entry path.
	ErrTraversal = errors.New("zip contains traversal sequences")

	// ErrTooManyFiles indicates the archive exceeds the file-count ceiling.
	ErrTooManyFiles = errors.New("zip has too many files")

	// ErrTooLarge indicates the declared uncompressed sizes exceed the
	// byte ceiling.
	ErrTooLarge = errors.New("zip total size too large")

	// ErrAlreadyInstalled indicates an install directory already exists
	// for the slug. It is authoritative at promotion time, not just at
	// the early pre-check.
	ErrAlreadyInstalled = errors.New("extension already installed")

	// ErrManifestLost indicates the manifest was absent from the staged
	// tree after extraction.
	ErrManifestLost = errors.New("manifest missing after extraction")
)

var driveLetter = regexp.MustCompile(`^[A-Za-z]:[/\\]`)

// Limits are the static resource ceilings checked during Phase A.
type Limits struct {
	MaxFiles      int
	MaxTotalBytes int64
}

// Extractor unpacks archives into the extensions root.
type Extractor struct {
	root    string // extensions root, absolute
	staging string // parent directory for staging areas, absolute
	limits  Limits
}

// New creates an Extractor. Both directories are created if absent.
// The staging parent must never live under the extensions root; that is
// enforced by config validation before this is reached.
func New(root, staging string, limits Limits) (*Extractor, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving extensions root: %w", err)
	}
	absStaging, err := filepath.Abs(staging)
	if err != nil {
		return nil, fmt.Errorf("resolving staging directory: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating extensions root: %w", err)
	}
	if err := os.MkdirAll(absStaging, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Extractor{root: absRoot, staging: absStaging, limits: limits}, nil
}

// Root returns the absolute extensions root.
func (x *Extractor) Root() string {
	return x.root
}

// InstallPath returns the install directory for a slug.
func (x *Extractor) InstallPath(slug string) string {
	return filepath.Join(x.root, slug)
}

// Installed reports whether an install directory exists for the slug.
func (x *Extractor) Installed(slug string) bool {
	info, err := os.Stat(x.InstallPath(slug))
	return err == nil && info.IsDir()
}

// Remove deletes the install directory for a slug.
func (x *Extractor) Remove(slug string) error {
	if err := os.RemoveAll(x.InstallPath(slug)); err != nil {
		return fmt.Errorf("removing install directory: %w", err)
	}
	return nil
}

// Prescan validates every archive entry against path-safety rules and
// resource ceilings. It is pure validation over archive metadata and
// never touches disk. Directory entries are skipped; for each file
// entry the path must be free of NUL bytes, not absolute, not
// drive-letter prefixed, and free of ".." segments.
func (x *Extractor) Prescan(entries []archive.Entry) error {
	var count int
	var sum int64

	for _, e := range entries {
		if e.IsDir || e.Path == "" {
			continue
		}
		if strings.ContainsRune(e.Path, 0) {
			return ErrNulByte
		}
		if strings.HasPrefix(e.Path, "/") || driveLetter.MatchString(e.Path) {
			return ErrAbsolutePath
		}
		for _, seg := range strings.Split(e.Path, "/") {
			if seg == ".." {
				return ErrTraversal
			}
		}

		// Declared sizes are attacker-controlled. A size past the ceiling
		// fails on its own, and a negative one (uint64 declaration past
		// int64 range) must never reach the running sum, where it would
		// drag the total below the ceiling.
		if e.Size < 0 {
			return ErrTooLarge
		}
		if x.limits.MaxTotalBytes > 0 && e.Size > x.limits.MaxTotalBytes {
			return ErrTooLarge
		}

		count++
		sum += e.Size
		if x.limits.MaxFiles > 0 && count > x.limits.MaxFiles {
			return ErrTooManyFiles
		}
		if x.limits.MaxTotalBytes > 0 && sum > x.limits.MaxTotalBytes {
			return ErrTooLarge
		}
	}
	return nil
}

// Install runs Phase B and the commit: it stages the archive subtree
// rooted at manifestDir into a fresh staging directory, verifies the
// manifest survived, and promotes the staging directory to
// root/<slug>. Prescan must have been run first.
//
// On any failure the staging directory is removed before the error is
// returned; a partially-promoted final directory is never deleted.
func (x *Extractor) Install(r archive.Reader, manifestDir, slug string) (installPath string, err error) {
	staging, err := os.MkdirTemp(x.staging, "stage-"+slug+"-")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}

	promoted := false
	defer func() {
		if !promoted {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := x.stage(r, manifestDir, staging); err != nil {
		return "", err
	}

	if !manifestStaged(staging) {
		return "", ErrManifestLost
	}

	target := x.InstallPath(slug)
	if err := x.promote(staging, target); err != nil {
		return "", err
	}
	promoted = true
	return target, nil
}

// stage writes the archive subtree under manifestDir into the staging
// directory. Entries outside the subtree are skipped; the prefix is
// stripped so the manifest's directory becomes the staged root.
func (x *Extractor) stage(r archive.Reader, manifestDir, staging string) error {
	prefix := ""
	if manifestDir != "" {
		prefix = manifestDir + "/"
	}

	for _, e := range r.Entries() {
		rel := e.Path
		if prefix != "" {
			if !strings.HasPrefix(rel, prefix) {
				continue
			}
			rel = rel[len(prefix):]
		}
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue // bare root entry
		}

		dest, err := safeJoin(staging, rel)
		if err != nil {
			return err
		}

		if e.IsDir {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("creating directory %s: %w", rel, err)
			}
			continue
		}

		if err := writeEntry(r, e.Path, dest); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	return nil
}

// writeEntry streams one archive entry to dest without materializing it
// in memory. The entry is always written as a plain file; any symlink
// metadata the archive carries is ignored.
func writeEntry(r archive.Reader, entryPath, dest string) error {
	rc, err := r.Open(entryPath)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins rel onto base after resolving "." and ".." segments,
// then asserts the result is still contained under base. This is the
// destination-side traversal check, independent of Prescan.
func safeJoin(base, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrNulByte
	}
	if strings.HasPrefix(rel, "/") || driveLetter.MatchString(rel) {
		return "", ErrAbsolutePath
	}

	var parts []string
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return "", ErrTraversal
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
		}
	}

	joined := filepath.Join(base, filepath.Join(parts...))
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolving destination path: %w", err)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolving staging path: %w", err)
	}
	if abs != absBase && !strings.HasPrefix(abs, absBase+string(os.PathSeparator)) {
		return "", ErrTraversal
	}
	return abs, nil
}

// manifestStaged reports whether the manifest file exists in the staged
// tree, at top level or anywhere below it (case-insensitive).
func manifestStaged(staging string) bool {
	if _, err := os.Stat(filepath.Join(staging, manifest.Filename)); err == nil {
		return true
	}

	found := false
	_ = filepath.WalkDir(staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), manifest.Filename) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// promote moves the fully-prepared staging directory into its final
// location. The rename must fail if the destination already exists so
// that at most one concurrent installer of the same slug wins; the
// loser sees ErrAlreadyInstalled at commit time. A cross-device rename
// falls back to an exclusive-create copy.
func (x *Extractor) promote(staging, target string) error {
	err := renameNoReplace(staging, target)
	switch {
	case err == nil:
		return nil
	case isExist(err):
		return ErrAlreadyInstalled
	case isCrossDevice(err):
		return x.copyPromote(staging, target)
	default:
		return fmt.Errorf("promoting staging directory: %w", err)
	}
}

// copyPromote claims the target with an exclusive mkdir, copies the
// staged tree into it, and removes the staging tree. The mkdir is the
// atomic create-or-fail step that keeps install exclusive per slug.
func (x *Extractor) copyPromote(staging, target string) error {
	if err := os.Mkdir(target, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyInstalled
		}
		return fmt.Errorf("creating install directory: %w", err)
	}

	err := filepath.WalkDir(staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(staging, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dest := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(path, dest)
	})
	if err != nil {
		return fmt.Errorf("copying staged tree: %w", err)
	}

	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("removing staging directory: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
