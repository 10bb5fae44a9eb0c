package installer

import (
	"errors"
	"fmt"

	"github.com/extwarden/extwarden/internal/extractor"
	"github.com/extwarden/extwarden/internal/manifest"
	"github.com/extwarden/extwarden/internal/upload"
)

// ErrNotInstalled reports an operation on a slug with no installed
// directory.
var ErrNotInstalled = errors.New("extension not installed")

// Kind classifies lifecycle errors for callers that render them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindSecurity   Kind = "security"
	KindManifest   Kind = "manifest"
	KindFilesystem Kind = "filesystem"
	KindIntegrity  Kind = "integrity"
)

// Error is a typed, user-surfaceable lifecycle error. Reason is the
// short, specific message shown to the administrator; it never exposes
// internal paths or stack traces.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// classify converts component errors to a typed Error with a
// user-facing reason. Unrecognized errors become filesystem errors with
// a generic message; the underlying cause still travels in Err for the
// operational log.
func classify(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	var rej *upload.Rejection
	if errors.As(err, &rej) {
		return newError(KindValidation, rej.Detail, err)
	}

	switch {
	case errors.Is(err, extractor.ErrNulByte),
		errors.Is(err, extractor.ErrAbsolutePath),
		errors.Is(err, extractor.ErrTraversal),
		errors.Is(err, extractor.ErrTooManyFiles),
		errors.Is(err, extractor.ErrTooLarge):
		return newError(KindSecurity, userMessage(err), err)

	case errors.Is(err, extractor.ErrAlreadyInstalled):
		return newError(KindFilesystem, userMessage(err), err)

	case errors.Is(err, extractor.ErrManifestLost),
		errors.Is(err, manifest.ErrMissing),
		errors.Is(err, manifest.ErrInvalid),
		errors.Is(err, manifest.ErrInvalidSlug):
		return newError(KindManifest, userMessage(err), err)

	default:
		return newError(KindFilesystem, "installation failed", err)
	}
}

// userMessage maps sentinel errors to the exact reason strings surfaced
// to administrators.
func userMessage(err error) string {
	switch {
	case errors.Is(err, extractor.ErrNulByte):
		return "Invalid ZIP entry"
	case errors.Is(err, extractor.ErrAbsolutePath):
		return "ZIP contains absolute paths"
	case errors.Is(err, extractor.ErrTraversal):
		return "ZIP contains traversal sequences"
	case errors.Is(err, extractor.ErrTooManyFiles):
		return "ZIP has too many files"
	case errors.Is(err, extractor.ErrTooLarge):
		return "ZIP total size too large"
	case errors.Is(err, extractor.ErrManifestLost):
		return "Manifest missing after extraction"
	case errors.Is(err, manifest.ErrMissing):
		return "Missing extension.json manifest"
	case errors.Is(err, manifest.ErrInvalidSlug):
		return "Invalid or missing slug in manifest"
	case errors.Is(err, manifest.ErrInvalid):
		return "Invalid manifest (name/version)"
	default:
		return err.Error()
	}
}

func alreadyInstalled(slug string) *Error {
	return newError(KindFilesystem,
		fmt.Sprintf("Extension already installed: %s", slug),
		extractor.ErrAlreadyInstalled)
}

func notInstalled(slug string) *Error {
	return newError(KindFilesystem,
		fmt.Sprintf("Extension not installed: %s", slug), ErrNotInstalled)
}
